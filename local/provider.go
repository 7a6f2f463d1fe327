package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// DefaultServerInfo identifies a local provider unless WithServerInfo is set.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "mcp-provider-go-local", Version: "0.1.0"}

// Provider is the in-process provider. It is safe for concurrent use.
type Provider struct {
	prompts   PromptLibrary
	tools     ToolLibrary
	resources ResourceLibrary

	info mcp.ImplementationInfo
	log  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ChangeWatcher = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithPrompts sets the prompt library.
func WithPrompts(lib PromptLibrary) Option { return func(p *Provider) { p.prompts = lib } }

// WithTools sets the tool library. Without one the provider has no tools.
func WithTools(lib ToolLibrary) Option { return func(p *Provider) { p.tools = lib } }

// WithResources sets the resource library. Without one the provider has no
// resources.
func WithResources(lib ResourceLibrary) Option { return func(p *Provider) { p.resources = lib } }

// WithServerInfo sets the implementation info reported by Initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(p *Provider) { p.info = info }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.log = l } }

// New builds a local provider. A provider without a prompt library serves an
// empty prompt set.
func New(opts ...Option) *Provider {
	p := &Provider{info: DefaultServerInfo}
	for _, opt := range opts {
		opt(p)
	}
	if p.prompts == nil {
		p.prompts = NewStaticPrompts()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Provider) checkOpen() error {
	if p.closed.Load() {
		return fmt.Errorf("local provider: %w", provider.ErrClosed)
	}
	return nil
}

func (p *Provider) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    *caps,
		ServerInfo:      p.info,
	}, nil
}

// Capabilities always advertises prompts. Tools and resources are advertised
// only when their library lists at least one entry. listChanged is set for
// libraries that can signal changes.
func (p *Provider) Capabilities(ctx context.Context) (*mcp.ServerCapabilities, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	caps := &mcp.ServerCapabilities{Prompts: &mcp.Capability{ListChanged: canSignal(p.prompts)}}

	if p.tools != nil {
		tools, err := p.tools.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		if len(tools) > 0 {
			caps.Tools = &mcp.Capability{ListChanged: canSignal(p.tools)}
		}
	}
	if p.resources != nil {
		resources, err := p.resources.ListResources(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}
		if len(resources) > 0 {
			caps.Resources = &mcp.Capability{ListChanged: canSignal(p.resources)}
		}
	}
	return caps, nil
}

func canSignal(lib any) bool {
	_, ok := lib.(ChangeSubscriber)
	return ok
}

func (p *Provider) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.prompts.ListPrompts(ctx)
}

func (p *Provider) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	fill, err := p.prompts.FillPrompt(ctx, name, args)
	if err != nil {
		return nil, domainize(err, "Prompt with name '%s' not found", name)
	}
	if fill == nil {
		return nil, provider.NotFoundf("Prompt with name '%s' not found", name)
	}
	if fill.Description == "" {
		fill.Description = p.promptLabel(ctx, name)
	}
	return fill.Result(), nil
}

func (p *Provider) promptLabel(ctx context.Context, name string) string {
	prompts, err := p.prompts.ListPrompts(ctx)
	if err != nil {
		return ""
	}
	for _, pr := range prompts {
		if pr.Name != name {
			continue
		}
		if pr.Description != "" {
			return pr.Description
		}
		return pr.Title
	}
	return ""
}

func (p *Provider) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.tools == nil {
		return []mcp.Tool{}, nil
	}
	return p.tools.ListTools(ctx)
}

func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.tools == nil {
		return nil, provider.NotFoundf("Tool with name '%s' not found", name)
	}
	res, err := p.tools.CallTool(ctx, name, args)
	if err != nil {
		return nil, domainize(err, "Tool with name '%s' not found", name)
	}
	if res == nil {
		res = &provider.ToolCallResult{Content: []mcp.ContentBlock{}}
	}
	if res.Name == "" {
		res.Name = name
	}
	if res.Error != "" {
		p.log.DebugContext(ctx, "local.tool.error", slog.String("tool", name), slog.String("err", res.Error))
	}
	return res, nil
}

func (p *Provider) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.resources == nil {
		return []mcp.Resource{}, nil
	}
	return p.resources.ListResources(ctx)
}

func (p *Provider) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.resources == nil {
		return []mcp.ResourceTemplate{}, nil
	}
	return p.resources.ListResourceTemplates(ctx)
}

func (p *Provider) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.resources == nil {
		return nil, provider.NotFoundf("Resource not found: %s", uri)
	}
	res, err := p.resources.ReadResource(ctx, uri)
	if err != nil {
		return nil, domainize(err, "Resource not found: %s", uri)
	}
	if res == nil {
		return nil, provider.NotFoundf("Resource not found: %s", uri)
	}
	return res, nil
}

// domainize gives bare sentinel errors from a library a readable message.
// Errors that already carry one pass through.
func domainize(err error, notFoundFormat string, arg string) error {
	var de *provider.DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, provider.ErrNotFound) {
		return provider.NotFoundf(notFoundFormat, arg)
	}
	return err
}

// SubscribeChanges merges the change signals of every library that can
// produce them into list_changed notification methods. The channel closes
// when ctx is done or the provider is closed.
func (p *Provider) SubscribeChanges(ctx context.Context) <-chan mcp.Method {
	out := make(chan mcp.Method, 4)

	sources := []struct {
		lib    any
		method mcp.Method
	}{
		{p.prompts, mcp.PromptsListChangedNotificationMethod},
		{p.tools, mcp.ToolsListChangedNotificationMethod},
		{p.resources, mcp.ResourcesListChangedNotificationMethod},
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		sub, ok := src.lib.(ChangeSubscriber)
		if !ok {
			continue
		}
		ch := sub.Subscribe(ctx)
		wg.Add(1)
		go func(method mcp.Method) {
			defer wg.Done()
			for range ch {
				select {
				case out <- method:
				case <-ctx.Done():
					return
				}
			}
		}(src.method)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Close marks the provider closed and closes libraries that hold resources
// (watchers, subscriptions). Close is idempotent.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		var errs []error
		for _, lib := range []any{p.prompts, p.tools, p.resources} {
			switch c := lib.(type) {
			case io.Closer:
				errs = append(errs, c.Close())
			case interface{ Close() }:
				c.Close()
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
