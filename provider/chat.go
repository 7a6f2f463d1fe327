package provider

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/ggoodman/mcp-provider-go/mcp"
)

// ChatRole is the author of a ChatMessage.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
	ChatRoleTool      ChatRole = "tool"
)

// PartKind tags a ContentPart.
type PartKind string

const (
	PartText         PartKind = "text"
	PartImage        PartKind = "image"
	PartAudio        PartKind = "audio"
	PartResource     PartKind = "resource"
	PartFunctionCall PartKind = "functionCall"
)

// Default mime types for inline media without one.
const (
	DefaultImageMimeType = "image/png"
	DefaultAudioMimeType = "audio/wav"
)

// ContentPart is one piece of a chat message. Kind selects the fields that
// apply.
type ContentPart struct {
	Kind PartKind `json:"kind" yaml:"kind"`

	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// Image, audio and resource payloads.
	Data     []byte `json:"data,omitempty" yaml:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`

	// Function calls.
	FunctionName string         `json:"functionName,omitempty" yaml:"functionName,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Text builds a text part.
func Text(s string) ContentPart { return ContentPart{Kind: PartText, Text: s} }

// ChatMessage is a message produced by filling a prompt.
type ChatMessage struct {
	Role  ChatRole      `json:"role" yaml:"role"`
	Parts []ContentPart `json:"content" yaml:"content"`
}

// PromptFill is what a prompt library returns for one fill.
type PromptFill struct {
	Description string
	Messages    []ChatMessage
}

// Result converts the fill to its prompts/get representation.
func (f *PromptFill) Result() *mcp.GetPromptResult {
	return &mcp.GetPromptResult{Description: f.Description, Messages: PromptMessages(f.Messages)}
}

// PromptMessages flattens chat messages to prompt messages, one per part.
// Roles other than user and assistant are sent as user. Parts a prompt
// message cannot carry degrade to text.
func PromptMessages(msgs []ChatMessage) []mcp.PromptMessage {
	out := make([]mcp.PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		role := mcp.RoleUser
		if m.Role == ChatRoleAssistant {
			role = mcp.RoleAssistant
		}
		for _, p := range m.Parts {
			out = append(out, mcp.PromptMessage{Role: role, Content: p.Block()})
		}
	}
	return out
}

// Block converts the part to a single wire content block.
func (p ContentPart) Block() mcp.ContentBlock {
	switch p.Kind {
	case PartImage:
		return mcp.ContentBlock{
			Type:     mcp.ContentTypeImage,
			Data:     base64.StdEncoding.EncodeToString(p.Data),
			MimeType: orDefault(p.MimeType, DefaultImageMimeType),
		}
	case PartAudio:
		return mcp.ContentBlock{
			Type:     mcp.ContentTypeAudio,
			Data:     base64.StdEncoding.EncodeToString(p.Data),
			MimeType: orDefault(p.MimeType, DefaultAudioMimeType),
		}
	case PartResource:
		if p.URI == "" {
			return mcp.TextContent("[resource omitted: no URI in part]")
		}
		rc := &mcp.ResourceContents{URI: p.URI, MimeType: p.MimeType}
		if p.Text != "" {
			rc.Text = p.Text
		} else if len(p.Data) > 0 {
			rc.Blob = base64.StdEncoding.EncodeToString(p.Data)
		}
		return mcp.ContentBlock{Type: mcp.ContentTypeResource, Resource: rc}
	case PartFunctionCall:
		return mcp.TextContent(formatCall(p.FunctionName, p.Arguments))
	default:
		return mcp.TextContent(p.Text)
	}
}

func formatCall(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
