package local

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"gopkg.in/yaml.v3"
)

// PromptLibrary is the prompt collaborator of a local provider. FillPrompt
// reports an unknown name with an error matching provider.ErrNotFound.
type PromptLibrary interface {
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	FillPrompt(ctx context.Context, name string, args map[string]string) (*provider.PromptFill, error)
}

// StaticPrompt is a prompt descriptor plus the messages it fills to. Text in
// the messages may reference arguments as {{name}}.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Messages   []provider.ChatMessage
}

// StaticPrompts is a mutable, concurrency safe prompt set.
type StaticPrompts struct {
	mu      sync.RWMutex
	prompts []StaticPrompt
	byName  map[string]int

	changeNotifier
}

// NewStaticPrompts builds a prompt set. Later definitions win on duplicate
// names.
func NewStaticPrompts(defs ...StaticPrompt) *StaticPrompts {
	sp := &StaticPrompts{}
	sp.set(defs)
	return sp
}

func (sp *StaticPrompts) set(defs []StaticPrompt) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.prompts = make([]StaticPrompt, 0, len(defs))
	sp.byName = make(map[string]int, len(defs))
	for _, d := range defs {
		if i, ok := sp.byName[d.Descriptor.Name]; ok {
			sp.prompts[i] = d
			continue
		}
		sp.byName[d.Descriptor.Name] = len(sp.prompts)
		sp.prompts = append(sp.prompts, d)
	}
}

// Replace swaps the whole prompt set.
func (sp *StaticPrompts) Replace(defs ...StaticPrompt) {
	sp.set(defs)
	sp.Notify()
}

// Add registers a prompt unless the name is taken.
func (sp *StaticPrompts) Add(def StaticPrompt) bool {
	sp.mu.Lock()
	if _, ok := sp.byName[def.Descriptor.Name]; ok {
		sp.mu.Unlock()
		return false
	}
	sp.byName[def.Descriptor.Name] = len(sp.prompts)
	sp.prompts = append(sp.prompts, def)
	sp.mu.Unlock()
	sp.Notify()
	return true
}

// Remove drops a prompt by name.
func (sp *StaticPrompts) Remove(name string) bool {
	sp.mu.Lock()
	if _, ok := sp.byName[name]; !ok {
		sp.mu.Unlock()
		return false
	}
	kept := make([]StaticPrompt, 0, len(sp.prompts))
	for _, p := range sp.prompts {
		if p.Descriptor.Name != name {
			kept = append(kept, p)
		}
	}
	sp.mu.Unlock()
	sp.set(kept)
	sp.Notify()
	return true
}

func (sp *StaticPrompts) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]mcp.Prompt, 0, len(sp.prompts))
	for _, p := range sp.prompts {
		out = append(out, p.Descriptor)
	}
	return out, nil
}

func (sp *StaticPrompts) FillPrompt(ctx context.Context, name string, args map[string]string) (*provider.PromptFill, error) {
	sp.mu.RLock()
	i, ok := sp.byName[name]
	var def StaticPrompt
	if ok {
		def = sp.prompts[i]
	}
	sp.mu.RUnlock()
	if !ok {
		return nil, provider.ErrNotFound
	}
	return fillPrompt(def, args)
}

func fillPrompt(def StaticPrompt, args map[string]string) (*provider.PromptFill, error) {
	for _, a := range def.Descriptor.Arguments {
		if a.Required && args[a.Name] == "" {
			return nil, provider.InvalidArgumentf("missing required argument '%s' for prompt '%s'", a.Name, def.Descriptor.Name)
		}
	}

	msgs := make([]provider.ChatMessage, 0, len(def.Messages))
	for _, m := range def.Messages {
		parts := make([]provider.ContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			p.Text = expandTemplate(p.Text, args)
			parts = append(parts, p)
		}
		msgs = append(msgs, provider.ChatMessage{Role: m.Role, Parts: parts})
	}

	desc := def.Descriptor.Description
	if desc == "" {
		desc = def.Descriptor.Title
	}
	return &provider.PromptFill{Description: desc, Messages: msgs}, nil
}

var placeholder = regexp.MustCompile(`\{\{\{?\s*([A-Za-z0-9_.-]+)\s*\}?\}\}`)

// expandTemplate substitutes {{name}} (or {{{name}}}) with args[name].
// Unknown names expand to the empty string.
func expandTemplate(s string, args map[string]string) string {
	if s == "" {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		return args[sub[1]]
	})
}

type promptFile struct {
	Prompts []promptDef `yaml:"prompts"`
}

type promptDef struct {
	Name        string                 `yaml:"name"`
	Title       string                 `yaml:"title"`
	Description string                 `yaml:"description"`
	Arguments   []promptArgDef         `yaml:"arguments"`
	Template    string                 `yaml:"template"`
	Messages    []provider.ChatMessage `yaml:"messages"`
}

type promptArgDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// ParsePrompts decodes a YAML prompt document. Each entry either has a
// template, which becomes a single user text message, or a list of messages.
func ParsePrompts(data []byte) ([]StaticPrompt, error) {
	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	out := make([]StaticPrompt, 0, len(f.Prompts))
	for i, d := range f.Prompts {
		if d.Name == "" {
			return nil, fmt.Errorf("prompt %d: missing name", i)
		}
		sp := StaticPrompt{Descriptor: mcp.Prompt{
			Name:        d.Name,
			Title:       d.Title,
			Description: d.Description,
		}}
		for _, a := range d.Arguments {
			sp.Descriptor.Arguments = append(sp.Descriptor.Arguments, mcp.PromptArgument(a))
		}
		switch {
		case len(d.Messages) > 0:
			sp.Messages = d.Messages
		case d.Template != "":
			sp.Messages = []provider.ChatMessage{{
				Role:  provider.ChatRoleUser,
				Parts: []provider.ContentPart{provider.Text(d.Template)},
			}}
		default:
			return nil, fmt.Errorf("prompt %q: needs a template or messages", d.Name)
		}
		out = append(out, sp)
	}
	return out, nil
}
