// Command mcp-provider-probe resolves one registry entry and prints what the
// server offers as JSON:
//
//	MCP_REGISTRY=servers.yaml MCP_SERVER=worker mcp-provider-probe
//	MCP_SERVER=embedded MCP_TOOL=echo MCP_TOOL_ARGS='{"message":"hi"}' mcp-provider-probe
//
// Failures print "error: <message>" on stderr and exit 1 with nothing on
// stdout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/logctx"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/registry"
	"github.com/joeshaw/envdecode"
)

type config struct {
	Registry string        `env:"MCP_REGISTRY"`
	Server   string        `env:"MCP_SERVER,default=embedded"`
	Tool     string        `env:"MCP_TOOL"`
	ToolArgs string        `env:"MCP_TOOL_ARGS"`
	Timeout  time.Duration `env:"MCP_PROBE_TIMEOUT,default=30s"`
	LogLevel string        `env:"LOG_LEVEL,default=warn"`
}

type report struct {
	Server            string                 `json:"server"`
	Initialize        *mcp.InitializeResult  `json:"initialize"`
	Prompts           []mcp.Prompt           `json:"prompts"`
	Tools             []mcp.Tool             `json:"tools"`
	Resources         []mcp.Resource         `json:"resources"`
	ResourceTemplates []mcp.ResourceTemplate `json:"resourceTemplates"`
	ToolCall          *mcp.CallToolResult    `json:"toolCall,omitempty"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fail(err)
	}

	lvl := slog.LevelWarn
	_ = lvl.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel)))
	log := logctx.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// run writes the report to out only once every step has succeeded.
func run(ctx context.Context, cfg config, log *slog.Logger, out io.Writer) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var (
		reg *registry.Registry
		err error
	)
	if cfg.Registry == "" {
		reg = registry.Default(registry.WithLogger(log))
	} else if reg, err = registry.Load(cfg.Registry, registry.WithLogger(log)); err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	p, err := reg.Resolve(ctx, cfg.Server)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("unknown server %q", cfg.Server)
	}

	rep := report{Server: cfg.Server}
	if rep.Initialize, err = p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if rep.Prompts, err = p.ListPrompts(ctx); err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}
	if rep.Tools, err = p.ListTools(ctx); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if rep.Resources, err = p.ListResources(ctx); err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	if rep.ResourceTemplates, err = p.ListResourceTemplates(ctx); err != nil {
		return fmt.Errorf("list resource templates: %w", err)
	}

	if cfg.Tool != "" {
		var args map[string]any
		if cfg.ToolArgs != "" {
			if err := json.Unmarshal([]byte(cfg.ToolArgs), &args); err != nil {
				return fmt.Errorf("MCP_TOOL_ARGS: %w", err)
			}
		}
		res, err := p.CallTool(ctx, cfg.Tool, args)
		if err != nil {
			return fmt.Errorf("call %s: %w", cfg.Tool, err)
		}
		rep.ToolCall = res.Wire()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	_, err = buf.WriteTo(out)
	return err
}
