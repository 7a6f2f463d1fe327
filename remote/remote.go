package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// DefaultClientInfo is sent in initialize unless WithClientInfo says
// otherwise.
var DefaultClientInfo = mcp.ImplementationInfo{Name: "mcp-provider-go", Version: "0.1.0"}

// Transport carries JSON-RPC calls to one server. *stdio.Client and
// *streaminghttp.Client implement it.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClientInfo sets the clientInfo sent in initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(p *Provider) { p.clientInfo = info }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProtocolVersion sets the protocol version requested in initialize.
func WithProtocolVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.protocolVersion = v
		}
	}
}

// WithChangeFeed makes the provider report the server's list_changed
// notifications. The feed must also be registered as the transport's
// notification handler.
func WithChangeFeed(f *ChangeFeed) Option {
	return func(p *Provider) { p.feed = f }
}

// Provider implements provider.Provider by forwarding every operation to a
// server over a Transport. The handshake runs once, on first use.
type Provider struct {
	t               Transport
	log             *slog.Logger
	clientInfo      mcp.ImplementationInfo
	protocolVersion string
	feed            *ChangeFeed

	mu   sync.Mutex
	init *mcp.InitializeResult

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ChangeWatcher = (*Provider)(nil)
)

// New returns a Provider over t. No traffic is sent until the first
// operation.
func New(t Transport, opts ...Option) *Provider {
	p := &Provider{
		t:               t,
		log:             slog.Default(),
		clientInfo:      DefaultClientInfo,
		protocolVersion: mcp.LatestProtocolVersion,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Initialize performs the handshake on first use and returns the cached
// result afterwards. A failed handshake is retried by the next call.
func (p *Provider) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("remote provider: %w", provider.ErrClosed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.init != nil {
		return p.init, nil
	}

	start := time.Now()
	raw, err := p.t.Call(ctx, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: p.protocolVersion,
		ClientInfo:      p.clientInfo,
	})
	if err != nil {
		p.log.WarnContext(ctx, "remote.initialize.fail", slog.String("err", err.Error()))
		return nil, err
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &provider.TransportError{Op: "decode", Err: fmt.Errorf("initialize result: %w", err)}
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		p.log.WarnContext(ctx, "remote.initialize.version", slog.String("version", res.ProtocolVersion))
	}

	if err := p.t.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		p.log.WarnContext(ctx, "remote.initialized.fail", slog.String("err", err.Error()))
		return nil, err
	}

	p.init = &res
	p.log.InfoContext(ctx, "remote.initialize.ok",
		slog.String("server_name", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
		slog.String("protocol_version", res.ProtocolVersion),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return p.init, nil
}

// Capabilities returns the capabilities the server advertised.
func (p *Provider) Capabilities(ctx context.Context) (*mcp.ServerCapabilities, error) {
	res, err := p.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	caps := res.Capabilities
	return &caps, nil
}

// call makes sure the session is initialized, runs method and decodes the
// result into out.
func (p *Provider) call(ctx context.Context, method mcp.Method, params any, out any) error {
	if _, err := p.Initialize(ctx); err != nil {
		return err
	}
	raw, err := p.t.Call(ctx, string(method), params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &provider.TransportError{Op: "decode", Err: fmt.Errorf("%s result: %w", method, err)}
	}
	return nil
}

func (p *Provider) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var res mcp.ListPromptsResult
	if err := p.call(ctx, mcp.PromptsListMethod, nil, &res); err != nil {
		return nil, err
	}
	return nonNil(res.Prompts), nil
}

func (p *Provider) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if args == nil {
		args = map[string]string{}
	}
	var res mcp.GetPromptResult
	if err := p.call(ctx, mcp.PromptsGetMethod, &mcp.GetPromptRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *Provider) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var res mcp.ListToolsResult
	if err := p.call(ctx, mcp.ToolsListMethod, nil, &res); err != nil {
		return nil, err
	}
	return nonNil(res.Tools), nil
}

func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*provider.ToolCallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res mcp.CallToolResult
	if err := p.call(ctx, mcp.ToolsCallMethod, &mcp.CallToolRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return provider.ToolCallResultFromWire(name, &res), nil
}

func (p *Provider) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var res mcp.ListResourcesResult
	if err := p.call(ctx, mcp.ResourcesListMethod, nil, &res); err != nil {
		return nil, err
	}
	return nonNil(res.Resources), nil
}

func (p *Provider) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	var res mcp.ListResourceTemplatesResult
	if err := p.call(ctx, mcp.ResourcesTemplatesListMethod, nil, &res); err != nil {
		return nil, err
	}
	return nonNil(res.ResourceTemplates), nil
}

func (p *Provider) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := p.call(ctx, mcp.ResourcesReadMethod, &mcp.ReadResourceRequest{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubscribeChanges relays the server's list_changed notifications. It
// returns nil when the provider has no change feed.
func (p *Provider) SubscribeChanges(ctx context.Context) <-chan mcp.Method {
	if p.feed == nil {
		return nil
	}
	return p.feed.Subscribe(ctx)
}

// Close closes the transport once.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.t.Close()
		if p.feed != nil {
			p.feed.Close()
		}
		p.log.Info("remote.closed")
	})
	return p.closeErr
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
