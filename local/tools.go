package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/invopop/jsonschema"
)

// ToolLibrary is the tool collaborator of a local provider. CallTool
// reports an unknown tool name with an error matching provider.ErrNotFound;
// tool failures belong in the result's Error field.
type ToolLibrary interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error)
}

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, args map[string]any) (*provider.ToolCallResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool and NewToolWithOutput.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
}

// WithToolTitle sets the human readable tool title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default the schema sets additionalProperties=false and
// decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool whose arguments decode into A. The input
// schema is reflected from A. Arguments that do not decode produce an error
// result rather than a Go error.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*provider.ToolCallResult, error), opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}
	handler := func(ctx context.Context, raw map[string]any) (*provider.ToolCallResult, error) {
		var a A
		if err := decodeArgs(raw, &a, cfg.allowAdditionalProperties); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		res, err := fn(ctx, a)
		if err != nil {
			return Errorf("Error executing tool: %v", err), nil
		}
		if res == nil {
			res = &provider.ToolCallResult{}
		}
		res.Name = name
		return res, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// NewToolWithOutput builds a StaticTool with typed input A and typed output
// O. The returned value becomes the result's structured content and both
// schemas are reflected.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, args A) (O, error), opts ...ToolOption) StaticTool {
	cfg := newToolConfig(opts)
	out := reflectOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Title:        cfg.title,
		Description:  cfg.description,
		InputSchema:  reflectInputSchema[A](cfg.allowAdditionalProperties),
		OutputSchema: &out,
	}
	handler := func(ctx context.Context, raw map[string]any) (*provider.ToolCallResult, error) {
		var a A
		if err := decodeArgs(raw, &a, cfg.allowAdditionalProperties); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		o, err := fn(ctx, a)
		if err != nil {
			return Errorf("Error executing tool: %v", err), nil
		}
		structured, err := toObject(o)
		if err != nil {
			return nil, fmt.Errorf("encode %s output: %w", name, err)
		}
		b, _ := json.Marshal(structured)
		return &provider.ToolCallResult{
			Name:              name,
			Content:           []mcp.ContentBlock{mcp.TextContent(string(b))},
			StructuredContent: structured,
		}, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// TextResult is a successful result with a single text block.
func TextResult(s string) *provider.ToolCallResult {
	return &provider.ToolCallResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// Errorf is a failed tool result with a formatted message.
func Errorf(format string, args ...any) *provider.ToolCallResult {
	return &provider.ToolCallResult{Error: fmt.Sprintf(format, args...)}
}

func newToolConfig(opts []ToolOption) toolConfig {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func decodeArgs(raw map[string]any, dst any, lenient bool) error {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if !lenient {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(dst)
}

func toObject(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            isNamedStruct[A](),
		AllowAdditionalProperties: allowAdditional,
	}
	props, required := reflectObject(r.Reflect(new(A)))
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func reflectOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: isNamedStruct[O]()}
	props, required := reflectObject(r.Reflect(new(O)))
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

// isNamedStruct reports whether T (or *T) is a defined struct type. Only
// those get a definition the reflector can expand; anonymous structs and
// maps are reflected inline.
func isNamedStruct[T any]() bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && t.Name() != ""
}

// reflectObject flattens an object schema. Non-object roots yield an empty
// property set.
func reflectObject(s *jsonschema.Schema) (map[string]mcp.SchemaProperty, []string) {
	props := map[string]mcp.SchemaProperty{}
	if s == nil || s.Type != "object" || s.Properties == nil {
		return props, nil
	}
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		props[el.Key] = schemaProperty(el.Value)
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return props, required
}

func schemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := schemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		p.Properties, _ = reflectObject(s)
	}
	return p
}

// StaticTools is a mutable, concurrency safe tool set. Every change signals
// subscribers.
type StaticTools struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	changeNotifier
}

// NewStaticTools builds a tool set. Later definitions win on duplicate names.
func NewStaticTools(defs ...StaticTool) *StaticTools {
	st := &StaticTools{}
	st.set(defs)
	return st
}

func (st *StaticTools) set(defs []StaticTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tools = make([]mcp.Tool, 0, len(defs))
	st.handlers = make(map[string]ToolHandler, len(defs))
	index := make(map[string]int, len(defs))
	for _, d := range defs {
		name := d.Descriptor.Name
		if i, ok := index[name]; ok {
			st.tools[i] = d.Descriptor
		} else {
			index[name] = len(st.tools)
			st.tools = append(st.tools, d.Descriptor)
		}
		st.handlers[name] = d.Handler
	}
}

// Replace swaps the whole tool set.
func (st *StaticTools) Replace(defs ...StaticTool) {
	st.set(defs)
	st.Notify()
}

// Add registers a tool unless the name is taken. It reports whether the
// tool was added.
func (st *StaticTools) Add(def StaticTool) bool {
	st.mu.Lock()
	if _, exists := st.handlers[def.Descriptor.Name]; exists {
		st.mu.Unlock()
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.handlers[def.Descriptor.Name] = def.Handler
	st.mu.Unlock()
	st.Notify()
	return true
}

// Remove drops a tool by name and reports whether it existed.
func (st *StaticTools) Remove(name string) bool {
	st.mu.Lock()
	if _, exists := st.handlers[name]; !exists {
		st.mu.Unlock()
		return false
	}
	delete(st.handlers, name)
	n := 0
	for _, t := range st.tools {
		if t.Name != name {
			st.tools[n] = t
			n++
		}
	}
	st.tools = st.tools[:n]
	st.mu.Unlock()
	st.Notify()
	return true
}

func (st *StaticTools) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out, nil
}

func (st *StaticTools) CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error) {
	st.mu.RLock()
	h, ok := st.handlers[name]
	st.mu.RUnlock()
	if !ok {
		return nil, provider.NotFoundf("Tool with name '%s' not found", name)
	}
	if h == nil {
		return Errorf("Tool '%s' has no handler", name), nil
	}
	res, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &provider.ToolCallResult{}
	}
	if res.Name == "" {
		res.Name = name
	}
	return res, nil
}

// DisabledToolsMessage is the error text of every call to a disabled tool
// library.
const DisabledToolsMessage = "Tool library is disabled"

// DisabledTools lists no tools and refuses every call.
type DisabledTools struct{}

func (DisabledTools) ListTools(ctx context.Context) ([]mcp.Tool, error) { return nil, nil }

func (DisabledTools) CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error) {
	return &provider.ToolCallResult{Name: name, Error: DisabledToolsMessage}, nil
}
