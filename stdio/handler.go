package stdio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-provider-go/internal/engine"
	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
//
// The handler is transport-only; it delegates all MCP semantics to the
// method dispatcher and the provided provider.Provider.
type Handler struct {
	p provider.Provider
	r io.Reader
	w io.Writer
	l *slog.Logger

	engineOpts []engine.EngineOption
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(p provider.Provider, opts ...Option) *Handler {
	h := &Handler{
		p: p,
		r: os.Stdin,
		w: os.Stdout,
		l: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type inbound struct {
	line []byte
	err  error
}

// Serve runs the stdio event loop. It returns nil on EOF or after a
// notifications/close, and ctx.Err() when ctx is canceled. Serve is
// responsible for:
//   - newline framing; blank lines are skipped
//   - answering each malformed line with one -32700 response and continuing
//   - handling requests concurrently behind a single writer
//   - forwarding the provider's list_changed notifications
//
// After notifications/close Serve stops reading, waits for in-flight
// requests to be written and closes the provider. On EOF or cancellation the
// provider is left open for its owner to close.
func (h *Handler) Serve(ctx context.Context) error {
	log := h.l
	eng := engine.NewEngine(h.p, append([]engine.EngineOption{engine.WithLogger(log)}, h.engineOpts...)...)
	mux := newWriteMux(h.w)

	ctx, cancel := context.WithCancel(ctx)

	// wg tracks in-flight requests; notes tracks the change forwarder.
	var wg, notes sync.WaitGroup
	defer func() {
		wg.Wait()
		cancel()
		notes.Wait()
	}()

	if changes := eng.Changes(ctx); changes != nil {
		notes.Add(1)
		go func() {
			defer notes.Done()
			for method := range changes {
				note, _ := jsonrpc.NewNotification(string(method), nil)
				if err := mux.writeJSONRPC(note); err != nil {
					log.WarnContext(ctx, "stdio.notify.fail", slog.String("method", string(method)), slog.String("err", err.Error()))
					return
				}
			}
		}()
	}

	lines := make(chan inbound)
	go func() {
		lr := newLineReader(h.r)
		for {
			line, err := lr.next()
			select {
			case lines <- inbound{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, errLineTooLong) {
				return
			}
		}
	}()

	log.InfoContext(ctx, "stdio.serve.start")

	for {
		var in inbound
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "context"))
			return ctx.Err()
		case in = <-lines:
		}

		if in.err != nil {
			if errors.Is(in.err, errLineTooLong) {
				h.writeParseError(ctx, mux, in.err.Error())
				continue
			}
			if errors.Is(in.err, io.EOF) {
				log.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "eof"))
				return nil
			}
			log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", in.err.Error()))
			return fmt.Errorf("stdio read: %w", in.err)
		}

		if len(bytes.TrimSpace(in.line)) == 0 {
			continue
		}

		msg, err := jsonrpc.Decode(in.line)
		if err != nil {
			var pe *jsonrpc.ParseError
			reason := err.Error()
			if errors.As(err, &pe) {
				reason = pe.Reason
			}
			log.InfoContext(ctx, "stdio.read.invalid", slog.String("err", err.Error()))
			h.writeParseError(ctx, mux, reason)
			continue
		}

		if req := msg.AsRequest(); req == nil || req.IsNotification() {
			// Notifications (including notifications/* sent with an id) are
			// applied in arrival order.
			if _, closeRequested := eng.Handle(ctx, msg); closeRequested {
				log.InfoContext(ctx, "stdio.serve.close_requested")
				wg.Wait()
				if err := eng.Shutdown(); err != nil {
					log.WarnContext(ctx, "stdio.provider_close.fail", slog.String("err", err.Error()))
				}
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(msg *jsonrpc.AnyMessage) {
			defer wg.Done()
			res, _ := eng.Handle(ctx, msg)
			if res == nil {
				return
			}
			if err := mux.writeJSONRPC(res); err != nil {
				log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
			}
		}(msg)
	}
}

func (h *Handler) writeParseError(ctx context.Context, mux *writeMux, reason string) {
	res := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error: "+reason, nil)
	if err := mux.writeJSONRPC(res); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
