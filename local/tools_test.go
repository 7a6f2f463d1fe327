package local

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Loud  bool   `json:"loud,omitempty"`
	Times int    `json:"times,omitempty" jsonschema:"enum=1,enum=2"`
}

func TestNewTool_ReflectsSchema(t *testing.T) {
	t.Parallel()
	tool := NewTool("greet", func(ctx context.Context, a greetArgs) (*provider.ToolCallResult, error) {
		return TextResult("hi " + a.Name), nil
	}, WithToolDescription("Greets"))

	s := tool.Descriptor.InputSchema
	if s.Type != "object" || s.AdditionalProperties {
		t.Fatalf("unexpected schema %+v", s)
	}
	if s.Properties["name"].Type != "string" || s.Properties["name"].Description != "Who to greet" {
		t.Fatalf("unexpected name property %+v", s.Properties["name"])
	}
	if s.Properties["loud"].Type != "boolean" {
		t.Fatalf("unexpected loud property %+v", s.Properties["loud"])
	}
	if len(s.Required) != 1 || s.Required[0] != "name" {
		t.Fatalf("unexpected required %v", s.Required)
	}
	if tool.Descriptor.Description != "Greets" {
		t.Fatalf("description not set")
	}
}

func TestNewTool_StrictDecoding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tools := NewStaticTools(NewTool("greet", func(ctx context.Context, a greetArgs) (*provider.ToolCallResult, error) {
		return TextResult("hi " + a.Name), nil
	}))

	res, err := tools.CallTool(ctx, "greet", map[string]any{"name": "gopher"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "hi gopher" || res.Name != "greet" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = tools.CallTool(ctx, "greet", map[string]any{"name": "x", "extra": 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(res.Error, "invalid arguments:") {
		t.Fatalf("expected invalid arguments error, got %+v", res)
	}
}

func TestNewTool_HandlerErrorBecomesResultError(t *testing.T) {
	t.Parallel()
	tools := NewStaticTools(NewTool("fail", func(ctx context.Context, a struct{}) (*provider.ToolCallResult, error) {
		return nil, errors.New("boom")
	}))
	res, err := tools.CallTool(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Error != "Error executing tool: boom" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWordCount_StructuredOutput(t *testing.T) {
	t.Parallel()
	tool := WordCountTool()
	if tool.Descriptor.OutputSchema == nil || tool.Descriptor.OutputSchema.Properties["words"].Type != "integer" {
		t.Fatalf("unexpected output schema %+v", tool.Descriptor.OutputSchema)
	}
	res, err := NewStaticTools(tool).CallTool(context.Background(), "word_count", map[string]any{"text": "one two  three"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.StructuredContent["words"] != float64(3) {
		t.Fatalf("unexpected structured content %+v", res.StructuredContent)
	}
	if len(res.Content) != 1 || res.Content[0].Type != mcp.ContentTypeText {
		t.Fatalf("expected a text block mirroring the output, got %+v", res.Content)
	}
}

func TestStaticTools_AddRemoveReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStaticTools(EchoTool())

	if st.Add(EchoTool()) {
		t.Fatalf("duplicate add should fail")
	}
	if !st.Add(WordCountTool()) {
		t.Fatalf("add word_count")
	}
	list, _ := st.ListTools(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list))
	}
	if !st.Remove("echo") || st.Remove("echo") {
		t.Fatalf("remove semantics broken")
	}
	st.Replace()
	list, _ = st.ListTools(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty after replace, got %d", len(list))
	}
}

func TestStubTools_CannedOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tools := NewStaticTools(StubTools()...)

	list, _ := tools.ListTools(ctx)
	names := map[string]mcp.Tool{}
	for _, tl := range list {
		names[tl.Name] = tl
	}
	search, ok := names["fake_internet_search"]
	if !ok {
		t.Fatalf("missing fake_internet_search in %v", list)
	}
	if search.InputSchema.Properties["query"].Type != "string" || len(search.InputSchema.Required) != 1 {
		t.Fatalf("unexpected schema %+v", search.InputSchema)
	}

	res, err := tools.CallTool(ctx, "fake_internet_search", map[string]any{"query": "gophers"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.StructuredContent["title"] != "Top result for gophers" {
		t.Fatalf("unexpected output %+v", res.StructuredContent)
	}

	res, err = tools.CallTool(ctx, "fake_translate", map[string]any{"text": "hello", "target": "fr"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "[fr] hello" {
		t.Fatalf("unexpected text %q", res.Text())
	}

	res, err = tools.CallTool(ctx, "fake_weather", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Error != "missing required argument 'city'" {
		t.Fatalf("expected missing argument error, got %+v", res)
	}
}

func TestParseStubTools_RejectsUnnamed(t *testing.T) {
	t.Parallel()
	if _, err := ParseStubTools([]byte("tools:\n  - description: nameless\n")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewTool_AnonymousStructArgs(t *testing.T) {
	t.Parallel()
	tool := NewTool("echo", func(ctx context.Context, in struct {
		Message string `json:"message"`
	}) (*provider.ToolCallResult, error) {
		return TextResult(in.Message), nil
	})

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("unexpected schema type %q", schema.Type)
	}
	if p, ok := schema.Properties["message"]; !ok || p.Type != "string" {
		t.Fatalf("unexpected properties %+v", schema.Properties)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "message" {
		t.Fatalf("unexpected required %v", schema.Required)
	}

	res, err := NewStaticTools(tool).CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "hi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNewTool_MapArgs(t *testing.T) {
	t.Parallel()
	tool := NewTool("keys", func(ctx context.Context, in map[string]any) (*provider.ToolCallResult, error) {
		return TextResult(strings.Repeat("k", len(in))), nil
	})

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" || len(schema.Properties) != 0 {
		t.Fatalf("unexpected schema %+v", schema)
	}

	res, err := NewStaticTools(tool).CallTool(context.Background(), "keys", map[string]any{"a": 1, "b": "two"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "kk" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNewToolWithOutput_AnonymousTypes(t *testing.T) {
	t.Parallel()
	tool := NewToolWithOutput("len", func(ctx context.Context, in struct {
		Text string `json:"text"`
	}) (struct {
		Length int `json:"length"`
	}, error) {
		return struct {
			Length int `json:"length"`
		}{Length: len(in.Text)}, nil
	})

	if tool.Descriptor.OutputSchema == nil {
		t.Fatalf("missing output schema")
	}
	if p, ok := tool.Descriptor.OutputSchema.Properties["length"]; !ok || p.Type != "integer" {
		t.Fatalf("unexpected output schema %+v", tool.Descriptor.OutputSchema)
	}

	res, err := NewStaticTools(tool).CallTool(context.Background(), "len", map[string]any{"text": "abcd"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := res.StructuredContent["length"]; got != float64(4) {
		t.Fatalf("unexpected structured content %+v", res.StructuredContent)
	}
}
