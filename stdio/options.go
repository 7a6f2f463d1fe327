package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-provider-go/internal/engine"
	"github.com/ggoodman/mcp-provider-go/mcp"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithServerInfo sets the serverInfo reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) {
		h.engineOpts = append(h.engineOpts, engine.WithServerInfo(info))
	}
}

// WithInstructions sets the instructions reported by initialize.
func WithInstructions(s string) Option {
	return func(h *Handler) {
		h.engineOpts = append(h.engineOpts, engine.WithInstructions(s))
	}
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStderr receives the subprocess's standard error. The default is the
// parent's standard error.
func WithStderr(w io.Writer) ClientOption {
	return func(c *Client) {
		if w != nil {
			c.stderr = w
		}
	}
}

// WithNotificationHandler is invoked for every notification the peer sends.
// It runs on the read loop and must not block.
func WithNotificationHandler(fn func(method string, params []byte)) ClientOption {
	return func(c *Client) { c.onNote = fn }
}
