package provider

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-provider-go/mcp"
)

// Provider is the MCP operation set. Local and remote variants implement it
// identically; callers depend only on this interface.
type Provider interface {
	// Initialize performs (or reports) the capability negotiation.
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	// Capabilities returns the advertised capability set.
	Capabilities(ctx context.Context) (*mcp.ServerCapabilities, error)

	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt fills the named prompt with args.
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)

	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool runs the named tool. A tool that ran and failed is reported in
	// ToolCallResult.Error, not as a Go error.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)

	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// Close releases the provider: a subprocess is terminated, an HTTP
	// session is ended. Close is idempotent.
	Close() error
}

// ChangeWatcher is implemented by providers whose listings can change at
// runtime. The channel yields list_changed notification methods and is
// closed when ctx is done.
type ChangeWatcher interface {
	SubscribeChanges(ctx context.Context) <-chan mcp.Method
}

// ToolCallResult is the outcome of one tool execution.
type ToolCallResult struct {
	Name              string
	Content           []mcp.ContentBlock
	StructuredContent map[string]any
	// Error is set when the tool ran and reported a failure.
	Error string
}

// Wire converts the result to its tools/call representation.
func (r *ToolCallResult) Wire() *mcp.CallToolResult {
	if r.Error != "" {
		content := append([]mcp.ContentBlock{mcp.TextContent(r.Error)}, r.Content...)
		return &mcp.CallToolResult{Content: content, IsError: true}
	}

	content := r.Content
	if len(content) == 0 && r.StructuredContent != nil {
		if b, err := json.Marshal(r.StructuredContent); err == nil {
			content = []mcp.ContentBlock{mcp.TextContent(string(b))}
		}
	}
	if content == nil {
		content = []mcp.ContentBlock{}
	}
	return &mcp.CallToolResult{Content: content, StructuredContent: r.StructuredContent}
}

// ToolCallResultFromWire is the inverse of Wire.
func ToolCallResultFromWire(name string, res *mcp.CallToolResult) *ToolCallResult {
	out := &ToolCallResult{Name: name, StructuredContent: res.StructuredContent}
	content := res.Content
	if res.IsError {
		if len(content) > 0 && content[0].Type == mcp.ContentTypeText {
			out.Error = content[0].Text
			content = content[1:]
		} else {
			out.Error = "tool execution failed"
		}
	}
	if len(content) > 0 {
		out.Content = content
	}
	if out.Error == "" && out.Content == nil {
		out.Content = []mcp.ContentBlock{}
	}
	return out
}

// Text joins the text blocks of the result.
func (r *ToolCallResult) Text() string {
	var s string
	for _, c := range r.Content {
		if c.Type != mcp.ContentTypeText {
			continue
		}
		if s != "" {
			s += "\n"
		}
		s += c.Text
	}
	return s
}
