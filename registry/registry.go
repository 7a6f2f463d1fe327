package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-provider-go/internal/logctx"
	"github.com/ggoodman/mcp-provider-go/local"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/ggoodman/mcp-provider-go/remote"
	"github.com/ggoodman/mcp-provider-go/stdio"
	"github.com/ggoodman/mcp-provider-go/streaminghttp"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a registry file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf maps a file name to its Format by extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s (use .json, .yaml or .yml)", ErrUnsupportedFormat, path)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger overrides the logger handed to the registry and the providers
// it builds.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLookupEnv replaces os.LookupEnv for ${VAR} expansion.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.lookupEnv = fn
		}
	}
}

// WithBaseDir resolves relative promptLibraryPath and dir values against
// dir. Load defaults it to the directory of the registry file.
func WithBaseDir(dir string) Option {
	return func(r *Registry) { r.baseDir = dir }
}

// WithStderr receives the standard error of stdio subprocesses.
func WithStderr(w io.Writer) Option {
	return func(r *Registry) { r.stderr = w }
}

// Registry maps server names to providers. Providers are built on first
// Resolve and reused afterwards.
type Registry struct {
	servers   map[string]ServerConfig
	log       *slog.Logger
	lookupEnv func(string) (string, bool)
	baseDir   string
	stderr    io.Writer

	// ctx bounds background work of resolved providers, such as prompt file
	// watchers.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	resolved map[string]provider.Provider
	closed   bool
}

// Load reads a registry file. The extension selects the format; anything
// other than .json, .yaml or .yml is rejected.
func Load(path string, opts ...Option) (*Registry, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	opts = append([]Option{WithBaseDir(filepath.Dir(path))}, opts...)
	r, err := Parse(data, format, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes registry data in the given format.
func Parse(data []byte, format Format, opts ...Option) (*Registry, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode registry: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode registry: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return New(cfg, opts...)
}

// New builds a registry from cfg. Every entry is validated now, so that a
// bad entry fails at load time instead of at first use.
func New(cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{
		log:       slog.Default(),
		lookupEnv: os.LookupEnv,
		stderr:    os.Stderr,
		resolved:  make(map[string]provider.Provider),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.servers = make(map[string]ServerConfig, len(cfg.Servers))
	for name, sc := range cfg.Servers {
		sc = sc.expand(r.lookupEnv)
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		r.servers[name] = sc
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Default returns the built-in registry: "local" (empty prompt library),
// "embedded" (bundled prompts) and "test" (bundled samples).
func Default(opts ...Option) *Registry {
	r, err := New(Config{Servers: map[string]ServerConfig{
		"local":    {Type: TypeLocal, Description: "Local MCP server with default libraries"},
		"embedded": {Type: TypeEmbedded, Description: "Embedded MCP server with bundled prompts and tools"},
		"test":     {Type: TypeTest, Description: "Test server with sample prompts, tools and resources"},
	}}, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// ListServerNames returns the configured names in sorted order.
func (r *Registry) ListServerNames() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the entry for name.
func (r *Registry) Config(name string) (ServerConfig, bool) {
	sc, ok := r.servers[name]
	return sc, ok
}

// Configs returns a copy of every entry.
func (r *Registry) Configs() map[string]ServerConfig {
	out := make(map[string]ServerConfig, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// Resolve returns the provider for name, building it on first use. Unknown
// names yield nil and no error.
func (r *Registry) Resolve(ctx context.Context, name string) (provider.Provider, error) {
	sc, ok := r.servers[name]
	if !ok {
		r.log.DebugContext(ctx, "registry.resolve.miss", slog.String("server", name))
		return nil, nil
	}
	ctx = logctx.WithProviderData(ctx, &logctx.ProviderData{Name: name, Type: string(sc.Type)})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry: %w", provider.ErrClosed)
	}
	if p, ok := r.resolved[name]; ok {
		return p, nil
	}

	p, err := r.build(name, sc)
	if err != nil {
		r.log.WarnContext(ctx, "registry.resolve.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("server %q: %w", name, err)
	}
	r.resolved[name] = p
	r.log.InfoContext(ctx, "registry.resolve.ok")
	return p, nil
}

// Close closes every resolved provider. Later Resolve calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	var errs []error
	for name, p := range r.resolved {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	r.resolved = nil
	return errors.Join(errs...)
}

func (r *Registry) path(p string) string {
	if p == "" || filepath.IsAbs(p) || r.baseDir == "" {
		return p
	}
	return filepath.Join(r.baseDir, p)
}

// promptFile loads a prompt library file and watches it for the lifetime of
// the registry.
func (r *Registry) promptFile(path string, log *slog.Logger) (*local.FilePrompts, error) {
	fp, err := local.LoadPromptFile(r.path(path), log)
	if err != nil {
		return nil, err
	}
	if err := fp.Watch(r.ctx); err != nil {
		log.Warn("registry.watch.fail", slog.String("err", err.Error()))
	}
	return fp, nil
}

func (r *Registry) build(name string, sc ServerConfig) (provider.Provider, error) {
	log := r.log.With(slog.String("server", name))

	switch sc.Type {
	case TypeLocal, TypeEmbedded:
		var prompts local.PromptLibrary = local.NewStaticPrompts()
		if sc.Type == TypeEmbedded {
			prompts = local.DefaultPrompts()
		}
		if sc.PromptLibraryPath != "" {
			fp, err := r.promptFile(sc.PromptLibraryPath, log)
			if err != nil {
				return nil, err
			}
			prompts = fp
		}
		return local.New(
			local.WithPrompts(prompts),
			local.WithTools(local.StarterTools()),
			local.WithLogger(log),
		), nil

	case TypeTest:
		opts := []local.Option{local.WithLogger(log)}
		if flag(sc.IncludeDefaultPrompts) {
			opts = append(opts, local.WithPrompts(local.DefaultPrompts()))
		}
		if flag(sc.IncludeDefaultTools) {
			opts = append(opts, local.WithTools(local.StarterTools()))
		} else {
			opts = append(opts, local.WithTools(local.DisabledTools{}))
		}
		if flag(sc.IncludeDefaultResources) {
			opts = append(opts, local.WithResources(local.SampleResources()))
		}
		return local.New(opts...), nil

	case TypeHTTP:
		timeout, err := sc.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		feed := remote.NewChangeFeed()
		copts := []streaminghttp.ClientOption{
			streaminghttp.WithClientLogger(log),
			streaminghttp.WithNotificationHandler(feed.HandleNotification),
		}
		if timeout > 0 {
			copts = append(copts, streaminghttp.WithTimeout(timeout))
		}
		for k, v := range sc.Headers {
			copts = append(copts, streaminghttp.WithHeader(k, v))
		}
		c, err := streaminghttp.NewClient(sc.URL, copts...)
		if err != nil {
			return nil, err
		}
		return remote.New(c, remote.WithLogger(log), remote.WithChangeFeed(feed)), nil

	case TypeStdio:
		feed := remote.NewChangeFeed()
		c, err := stdio.Start(stdio.Command{
			Path: sc.Command,
			Args: sc.Args,
			Env:  sc.Env,
			Dir:  r.path(sc.Dir),
		},
			stdio.WithClientLogger(log),
			stdio.WithStderr(r.stderr),
			stdio.WithNotificationHandler(feed.HandleNotification),
		)
		if err != nil {
			return nil, err
		}
		return remote.New(c, remote.WithLogger(log), remote.WithChangeFeed(feed)), nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, sc.Type)
}
