// Command mcp-provider-server serves one MCP provider over stdio or
// streaming HTTP.
//
// The provider is a registry entry (MCP_REGISTRY names the file, MCP_SERVER
// the entry) or, without a registry file, one of the built-in servers.
// Logs are JSON on stderr; stdout belongs to the stdio protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/logctx"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/ggoodman/mcp-provider-go/registry"
	"github.com/ggoodman/mcp-provider-go/sessions"
	"github.com/ggoodman/mcp-provider-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-provider-go/sessions/redishost"
	"github.com/ggoodman/mcp-provider-go/stdio"
	"github.com/ggoodman/mcp-provider-go/streaminghttp"
	"github.com/joeshaw/envdecode"
)

type config struct {
	Transport    string        `env:"MCP_TRANSPORT,default=stdio"`
	Addr         string        `env:"MCP_ADDR,default=127.0.0.1:8080"`
	Path         string        `env:"MCP_PATH,default=/mcp"`
	Registry     string        `env:"MCP_REGISTRY"`
	Server       string        `env:"MCP_SERVER,default=embedded"`
	SessionStore string        `env:"MCP_SESSION_STORE,default=memory"`
	SessionTTL   time.Duration `env:"MCP_SESSION_TTL,default=1h"`
	LogLevel     string        `env:"LOG_LEVEL,default=info"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := logctx.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdin, os.Stdout); err != nil {
		log.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func openRegistry(cfg config, log *slog.Logger) (*registry.Registry, error) {
	if cfg.Registry == "" {
		return registry.Default(registry.WithLogger(log)), nil
	}
	return registry.Load(cfg.Registry, registry.WithLogger(log))
}

func resolve(ctx context.Context, reg *registry.Registry, name string) (provider.Provider, error) {
	p, err := reg.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("unknown server %q (have %s)", name, strings.Join(reg.ListServerNames(), ", "))
	}
	return p, nil
}

func run(ctx context.Context, cfg config, log *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	reg, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn("registry.close.fail", slog.String("err", err.Error()))
		}
	}()

	p, err := resolve(ctx, reg, cfg.Server)
	if err != nil {
		return err
	}

	switch cfg.Transport {
	case "stdio":
		err := stdio.NewHandler(p, stdio.WithIO(stdin, stdout), stdio.WithLogger(log)).Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case "http":
		return serveHTTP(ctx, cfg, log, p)
	}
	return fmt.Errorf("unknown transport %q (use stdio or http)", cfg.Transport)
}

func sessionHost(store string) (sessions.Host, func() error, error) {
	switch store {
	case "memory", "":
		return memoryhost.New(), func() error { return nil }, nil
	case "redis":
		h, err := redishost.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q (use memory or redis)", store)
}

func serveHTTP(ctx context.Context, cfg config, log *slog.Logger, p provider.Provider) error {
	host, closeHost, err := sessionHost(cfg.SessionStore)
	if err != nil {
		return err
	}
	defer func() { _ = closeHost() }()

	h, err := streaminghttp.New(ctx, p,
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.Path),
		streaminghttp.WithSessionHost(host),
		streaminghttp.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("server.listen", slog.String("addr", ln.Addr().String()), slog.String("path", h.Path()), slog.String("sessions", cfg.SessionStore))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Info("server.shutdown")
	return nil
}
