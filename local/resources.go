package local

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// ResourceLibrary is the resource collaborator of a local provider.
// ReadResource reports an unknown URI with an error matching
// provider.ErrNotFound.
type ResourceLibrary interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// ContentFunc produces the contents of a listed resource on read.
type ContentFunc func(ctx context.Context, r mcp.Resource) ([]mcp.ResourceContents, error)

// StaticResources is a fixed, concurrency safe resource set. Reads return
// the registered contents, or call the ContentFunc for resources that have
// none.
type StaticResources struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
	contents  map[string][]mcp.ResourceContents
	generate  ContentFunc

	changeNotifier
}

// ResourceOption configures a StaticResources.
type ResourceOption func(*StaticResources)

// WithResourceTemplates adds resource templates to the listing.
func WithResourceTemplates(templates ...mcp.ResourceTemplate) ResourceOption {
	return func(sr *StaticResources) { sr.templates = append(sr.templates, templates...) }
}

// WithContentFunc sets the generator used for resources without fixed
// contents.
func WithContentFunc(fn ContentFunc) ResourceOption {
	return func(sr *StaticResources) { sr.generate = fn }
}

// NewStaticResources builds a resource set.
func NewStaticResources(resources []mcp.Resource, opts ...ResourceOption) *StaticResources {
	sr := &StaticResources{
		resources: append([]mcp.Resource(nil), resources...),
		contents:  make(map[string][]mcp.ResourceContents),
	}
	for _, opt := range opts {
		opt(sr)
	}
	return sr
}

// Set registers a resource with fixed contents, replacing any resource with
// the same URI.
func (sr *StaticResources) Set(r mcp.Resource, contents ...mcp.ResourceContents) {
	sr.mu.Lock()
	replaced := false
	for i := range sr.resources {
		if sr.resources[i].URI == r.URI {
			sr.resources[i] = r
			replaced = true
		}
	}
	if !replaced {
		sr.resources = append(sr.resources, r)
	}
	if len(contents) > 0 {
		sr.contents[r.URI] = contents
	} else {
		delete(sr.contents, r.URI)
	}
	sr.mu.Unlock()
	sr.Notify()
}

// Remove drops a resource by URI.
func (sr *StaticResources) Remove(uri string) bool {
	sr.mu.Lock()
	n := 0
	for _, r := range sr.resources {
		if r.URI != uri {
			sr.resources[n] = r
			n++
		}
	}
	removed := n != len(sr.resources)
	sr.resources = sr.resources[:n]
	delete(sr.contents, uri)
	sr.mu.Unlock()
	if removed {
		sr.Notify()
	}
	return removed
}

func (sr *StaticResources) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return append([]mcp.Resource{}, sr.resources...), nil
}

func (sr *StaticResources) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return append([]mcp.ResourceTemplate{}, sr.templates...), nil
}

func (sr *StaticResources) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	sr.mu.RLock()
	var (
		res   mcp.Resource
		found bool
	)
	for _, r := range sr.resources {
		if r.URI == uri {
			res, found = r, true
			break
		}
	}
	contents := sr.contents[uri]
	gen := sr.generate
	sr.mu.RUnlock()

	if !found {
		return nil, provider.ErrNotFound
	}
	if len(contents) > 0 {
		return &mcp.ReadResourceResult{Contents: append([]mcp.ResourceContents(nil), contents...)}, nil
	}
	if gen == nil {
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{}}, nil
	}
	out, err := gen(ctx, res)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: out}, nil
}

// SampleResources is the resource set of the built-in test server: two file
// resources and one data resource with generated text contents.
func SampleResources() *StaticResources {
	return NewStaticResources([]mcp.Resource{
		{
			URI:         "file:///sample-data.txt",
			Name:        "Sample Data",
			Description: "A sample text file for testing",
			MimeType:    "text/plain",
		},
		{
			URI:         "file:///config.json",
			Name:        "Configuration",
			Description: "Sample configuration file",
			MimeType:    "application/json",
		},
		{
			URI:         "data://test/example",
			Name:        "Example Data",
			Description: "Example data resource",
			MimeType:    "text/plain",
		},
	}, WithContentFunc(sampleContent))
}

func sampleContent(ctx context.Context, r mcp.Resource) ([]mcp.ResourceContents, error) {
	var text string
	switch {
	case strings.HasPrefix(r.URI, "file://"):
		text = "Sample content for " + path.Base(r.URI) + "\n\nThis is a test resource provided by the embedded MCP server."
	case strings.HasPrefix(r.URI, "data://"):
		label := r.Description
		if label == "" {
			label = r.Name
		}
		text = "Sample data resource: " + label
	default:
		text = "Content for " + r.Name
	}
	return []mcp.ResourceContents{{URI: r.URI, MimeType: orText(r.MimeType), Text: text}}, nil
}

func orText(mime string) string {
	if mime == "" {
		return "text/plain"
	}
	return mime
}
