package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

type stubProvider struct {
	prompts map[string]mcp.Prompt
	tools   []mcp.Tool
	closed  atomic.Int32
	block   chan struct{}
	failCap error
}

func (s *stubProvider) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{ProtocolVersion: mcp.LatestProtocolVersion}, nil
}

func (s *stubProvider) Capabilities(ctx context.Context) (*mcp.ServerCapabilities, error) {
	if s.failCap != nil {
		return nil, s.failCap
	}
	return &mcp.ServerCapabilities{Prompts: &mcp.Capability{}, Tools: &mcp.Capability{}}, nil
}

func (s *stubProvider) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var out []mcp.Prompt
	for _, p := range s.prompts {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubProvider) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if _, ok := s.prompts[name]; !ok {
		return nil, provider.NotFoundf("Prompt with name '%s' not found", name)
	}
	fill := provider.PromptFill{Messages: []provider.ChatMessage{{Role: provider.ChatRoleUser, Parts: []provider.ContentPart{provider.Text("hello " + args["who"])}}}}
	return fill.Result(), nil
}

func (s *stubProvider) ListTools(ctx context.Context) ([]mcp.Tool, error) { return s.tools, nil }

func (s *stubProvider) CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error) {
	switch name {
	case "echo":
		msg, _ := args["message"].(string)
		return &provider.ToolCallResult{Name: name, Content: []mcp.ContentBlock{mcp.TextContent(msg)}}, nil
	case "slow":
		select {
		case <-s.block:
			return &provider.ToolCallResult{Name: name}, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	case "panicky":
		return nil, errors.New("kaboom")
	}
	return nil, provider.NotFoundf("Tool with name '%s' not found", name)
}

func (s *stubProvider) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }

func (s *stubProvider) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}

func (s *stubProvider) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, provider.NotFoundf("Resource not found: %s", uri)
}

func (s *stubProvider) Close() error {
	s.closed.Add(1)
	return nil
}

func newTestEngine(t *testing.T, p *stubProvider) *Engine {
	t.Helper()
	return NewEngine(p, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func handleLine(t *testing.T, e *Engine, line string) (*jsonrpc.Response, bool) {
	t.Helper()
	msg, err := jsonrpc.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode %s: %v", line, err)
	}
	return e.Handle(context.Background(), msg)
}

func TestUnknownMethodsAreMethodNotFound(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})
	for _, m := range []string{"foo", "Prompts/List", "tools/list ", "resources/templates", "completion/complete", "logging/setLevel"} {
		res, err := e.Call(context.Background(), m, nil)
		if res != nil {
			t.Fatalf("%q: unexpected result %v", m, res)
		}
		var pe *provider.ProtocolError
		if !errors.As(err, &pe) || pe.Code != provider.CodeMethodNotFound {
			t.Fatalf("%q: got %v", m, err)
		}
		if pe.Message != "Method not found: "+m {
			t.Fatalf("%q: message %q", m, pe.Message)
		}
	}
}

func TestInitializeComposesResult(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})
	resp, _ := handleLine(t, e, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	for _, key := range []string{"protocolVersion", "serverInfo", "capabilities"} {
		if len(raw[key]) == 0 || string(raw[key]) == `""` || string(raw[key]) == "null" {
			t.Fatalf("result missing %s: %s", key, resp.Result)
		}
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ProtocolVersion != "2024-11-05" {
		t.Fatalf("protocolVersion = %s", res.ProtocolVersion)
	}
	if res.Capabilities.Resources != nil || res.Capabilities.Prompts == nil {
		t.Fatalf("capabilities = %+v", res.Capabilities)
	}
	if res.ServerInfo != DefaultServerInfo {
		t.Fatalf("serverInfo = %+v", res.ServerInfo)
	}
}

func TestInitializeWithoutParams(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})
	res, err := e.Call(context.Background(), "initialize", nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := res.(*mcp.InitializeResult).ProtocolVersion; got != mcp.LatestProtocolVersion {
		t.Fatalf("protocolVersion = %s", got)
	}
}

func TestInvalidParams(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})
	cases := []struct {
		method string
		params string
	}{
		{"prompts/get", `{}`},
		{"prompts/get", `{"name":12}`},
		{"tools/call", `{"arguments":{}}`},
		{"tools/call", `{"name":"echo","arguments":[1,2]}`},
		{"resources/read", `{}`},
		{"resources/read", `"file:///x"`},
	}
	for _, tc := range cases {
		_, err := e.Call(context.Background(), tc.method, json.RawMessage(tc.params))
		var pe *provider.ProtocolError
		if !errors.As(err, &pe) || pe.Code != provider.CodeInvalidParams {
			t.Fatalf("%s %s: got %v", tc.method, tc.params, err)
		}
	}
}

func TestPromptsListEmptyIsArray(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})
	resp, _ := handleLine(t, e, `{"jsonrpc":"2.0","id":2,"method":"prompts/list"}`)
	if got := string(resp.Result); got != `{"prompts":[]}` {
		t.Fatalf("result = %s", got)
	}
}

func TestPromptsGet(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{prompts: map[string]mcp.Prompt{"greet": {Name: "greet"}}})

	resp, _ := handleLine(t, e, `{"jsonrpc":"2.0","id":3,"method":"prompts/get","params":{"name":"greet","arguments":{}}}`)
	var res mcp.GetPromptResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Messages) == 0 {
		t.Fatal("expected at least one message")
	}

	resp, _ = handleLine(t, e, `{"jsonrpc":"2.0","id":4,"method":"prompts/get","params":{"name":"nope"}}`)
	if resp.Result != nil || resp.Error == nil {
		t.Fatalf("expected error only, got %+v", resp)
	}
	if resp.Error.Code != jsonrpc.ErrorCodeInternalError || resp.Error.Message != "Prompt with name 'nope' not found" {
		t.Fatalf("error = %+v", resp.Error)
	}
	pe := provider.ProtocolErrorFrom(resp.Error)
	data, _ := json.Marshal(resp.Error.Data)
	_ = json.Unmarshal(data, &pe.Data)
	if !errors.Is(pe, provider.ErrNotFound) {
		t.Fatalf("reason lost: %+v", resp.Error.Data)
	}
}

func TestToolsCall(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{})

	resp, _ := handleLine(t, e, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Content == nil || res.Content[0].Text != "hi" {
		t.Fatalf("content = %+v", res.Content)
	}
	if resp.ID.Value() != "a" {
		t.Fatalf("id = %v", resp.ID.Value())
	}

	resp, _ = handleLine(t, e, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"panicky"}}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError || resp.Error.Message != "Internal error: kaboom" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	t.Parallel()

	p := &stubProvider{}
	e := newTestEngine(t, p)

	lines := []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":9,"method":"notifications/initialized"}`,
	}
	for _, l := range lines {
		if resp, closeRequested := handleLine(t, e, l); resp != nil || closeRequested {
			t.Fatalf("%s: got %+v %v", l, resp, closeRequested)
		}
	}

	resp, closeRequested := handleLine(t, e, `{"jsonrpc":"2.0","method":"notifications/close"}`)
	if resp != nil || !closeRequested {
		t.Fatalf("close: got %+v %v", resp, closeRequested)
	}
	if p.closed.Load() != 0 {
		t.Fatal("provider must stay open until Shutdown")
	}
	_ = e.Shutdown()
	_ = e.Shutdown()
	if p.closed.Load() != 1 {
		t.Fatalf("provider closed %d times", p.closed.Load())
	}
}

func TestCapabilityFailureIsInternalError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &stubProvider{failCap: errors.New("db down")})
	resp, _ := handleLine(t, e, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("got %+v", resp)
	}
}

func TestCancelledNotificationCancelsInflightRequest(t *testing.T) {
	t.Parallel()

	p := &stubProvider{block: make(chan struct{})}
	e := newTestEngine(t, p)
	ctx := WithScope(context.Background(), "s1")

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		msg, _ := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"slow"}}`))
		resp, _ := e.Handle(ctx, msg)
		done <- resp
	}()

	deadline := time.After(2 * time.Second)
	for {
		e.inflightMu.Lock()
		n := len(e.inflight)
		e.inflightMu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	note, _ := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42,"reason":"user"}}`))
	e.Handle(ctx, note)

	select {
	case resp := <-done:
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
			t.Fatalf("got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not finish")
	}
}
