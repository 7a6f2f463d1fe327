package local

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"gopkg.in/yaml.v3"
)

type stubFile struct {
	Tools []stubDef `yaml:"tools"`
}

type stubDef struct {
	Name         string         `yaml:"name"`
	Title        string         `yaml:"title"`
	Description  string         `yaml:"description"`
	InputSchema  map[string]any `yaml:"inputSchema"`
	OutputSchema map[string]any `yaml:"outputSchema"`
	// Output is returned as structured content, Text as a text block.
	Output map[string]any `yaml:"output"`
	Text   string         `yaml:"text"`
}

// ParseStubTools decodes a YAML document of canned tools. A stub tool
// answers every call with its configured output; {{arg}} references in
// output strings are replaced with the call's arguments.
func ParseStubTools(data []byte) ([]StaticTool, error) {
	var f stubFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode stub tools: %w", err)
	}
	out := make([]StaticTool, 0, len(f.Tools))
	for i, d := range f.Tools {
		if d.Name == "" {
			return nil, fmt.Errorf("stub tool %d: missing name", i)
		}
		desc := mcp.Tool{Name: d.Name, Title: d.Title, Description: d.Description}
		if err := remarshal(d.InputSchema, &desc.InputSchema); err != nil {
			return nil, fmt.Errorf("stub tool %q: input schema: %w", d.Name, err)
		}
		if desc.InputSchema.Type == "" {
			desc.InputSchema.Type = "object"
		}
		if d.OutputSchema != nil {
			desc.OutputSchema = &mcp.ToolOutputSchema{}
			if err := remarshal(d.OutputSchema, desc.OutputSchema); err != nil {
				return nil, fmt.Errorf("stub tool %q: output schema: %w", d.Name, err)
			}
		}
		out = append(out, StaticTool{Descriptor: desc, Handler: stubHandler(d)})
	}
	return out, nil
}

func stubHandler(d stubDef) ToolHandler {
	return func(ctx context.Context, args map[string]any) (*provider.ToolCallResult, error) {
		for _, name := range requiredArgs(d.InputSchema) {
			if _, ok := args[name]; !ok {
				return Errorf("missing required argument '%s'", name), nil
			}
		}
		vars := stringArgs(args)
		res := &provider.ToolCallResult{Name: d.Name}
		if d.Text != "" {
			res.Content = []mcp.ContentBlock{mcp.TextContent(expandTemplate(d.Text, vars))}
		}
		if d.Output != nil {
			m, ok := expandValue(d.Output, vars).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("stub tool %q: output is not an object", d.Name)
			}
			res.StructuredContent = m
		}
		return res, nil
	}
}

func expandValue(v any, vars map[string]string) any {
	switch x := v.(type) {
	case string:
		return expandTemplate(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = expandValue(e, vars)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = expandValue(e, vars)
		}
		return out
	default:
		return v
	}
}

func stringArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, _ := json.Marshal(v)
		out[k] = strings.Trim(string(b), `"`)
	}
	return out
}

func requiredArgs(schema map[string]any) []string {
	list, _ := schema["required"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func remarshal(in any, out any) error {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
