package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-provider-go/internal/engine"
	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/internal/logctx"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/ggoodman/mcp-provider-go/sessions"
	"github.com/ggoodman/mcp-provider-go/sessions/memoryhost"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	// DefaultPath is where the MCP endpoint is mounted unless WithPath says
	// otherwise.
	DefaultPath = "/mcp"
	// DefaultSessionTTL is the idle lifetime of a session.
	DefaultSessionTTL = time.Hour

	maxBodySize = 16 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	path       string
	host       sessions.Host
	ttl        time.Duration
	engineOpts []engine.EngineOption
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithServerInfo sets the serverInfo reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithServerInfo(info)) }
}

// WithInstructions sets the instructions reported by initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.engineOpts = append(c.engineOpts, engine.WithInstructions(s)) }
}

// WithPath mounts the MCP endpoint somewhere other than DefaultPath.
func WithPath(path string) Option {
	return func(c *newConfig) {
		if path = strings.TrimSpace(path); path != "" {
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			c.path = path
		}
	}
}

// WithSessionHost stores sessions in host. Use a shared host (see
// sessions/redishost) when several replicas serve the same endpoint.
func WithSessionHost(host sessions.Host) Option {
	return func(c *newConfig) {
		if host != nil {
			c.host = host
		}
	}
}

// WithSessionTTL sets how long an idle session is kept.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *newConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Handler serves one Provider over the streaming HTTP transport.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	eng  *engine.Engine
	host sessions.Host
	ttl  time.Duration
	path string

	// live holds the sessions created or seen by this process; change
	// notifications are fanned out to them.
	liveMu sync.Mutex
	live   map[string]struct{}
}

// New constructs a Handler for p. Change notifications from p are forwarded
// to session streams until ctx is done.
func New(ctx context.Context, p provider.Provider, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}

	cfg := &newConfig{logger: slog.Default(), path: DefaultPath, ttl: DefaultSessionTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.host == nil {
		cfg.host = memoryhost.New()
	}

	log := logctx.New(cfg.logger.Handler())
	h := &Handler{
		log:  log,
		eng:  engine.NewEngine(p, append([]engine.EngineOption{engine.WithLogger(log)}, cfg.engineOpts...)...),
		host: cfg.host,
		ttl:  cfg.ttl,
		path: cfg.path,
		live: make(map[string]struct{}),
	}

	if changes := h.eng.Changes(ctx); changes != nil {
		go h.forwardChanges(ctx, changes)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDeleteMCP)
	if h.path != "/health" {
		mux.HandleFunc("GET /health", h.handleHealth)
	}
	h.mux = mux
	return h, nil
}

// Path is where the MCP endpoint is mounted.
func (h *Handler) Path() string { return h.path }

// Close closes the provider. It does not stop the HTTP server.
func (h *Handler) Close() error {
	return h.eng.Shutdown()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	h.log.DebugContext(ctx, "http.post.start")

	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		h.log.WarnContext(ctx, "http.post.unsupported_media_type")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		reason := err.Error()
		var pe *jsonrpc.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		h.log.InfoContext(ctx, "http.post.invalid", slog.String("err", err.Error()))
		h.writeJSONRPC(ctx, w, http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error: "+reason, nil))
		return
	}

	if msg.Method == string(mcp.InitializeMethod) && msg.Type() == "request" {
		h.handleInitialize(ctx, w, msg)
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID != "" {
		sess, err := h.host.LoadSession(ctx, sessionID, h.ttl)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				h.forget(sessionID)
				writeJSONError(w, http.StatusNotFound, "session not found")
				h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
		h.remember(sessionID)

		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion})
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion != "" && pv != sess.ProtocolVersion {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
		ctx = engine.WithScope(ctx, sess.ID)
		w.Header().Set(mcpSessionIDHeader, sess.ID)
	}

	res, closeRequested := h.eng.Handle(ctx, msg)
	if closeRequested && sessionID != "" {
		h.endSession(ctx, sessionID)
	}

	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "http.post.accepted", slog.String("type", msg.Type()))
		return
	}

	h.writeJSONRPC(ctx, w, http.StatusOK, res)
	h.log.DebugContext(ctx, "http.post.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleInitialize runs initialize through the engine and opens a session for
// the negotiated protocol version. Failed handshakes open nothing.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage) {
	sessionID := uuid.NewString()
	res, _ := h.eng.Handle(engine.WithScope(ctx, sessionID), msg)
	if res.Error != nil {
		h.writeJSONRPC(ctx, w, http.StatusOK, res)
		return
	}

	var req mcp.InitializeRequest
	_ = json.Unmarshal(msg.Params, &req)
	var result mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		h.writeJSONRPC(ctx, w, http.StatusOK, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "Internal error: "+err.Error(), nil))
		return
	}

	sess := &sessions.Session{
		ID:              sessionID,
		ProtocolVersion: result.ProtocolVersion,
		ClientInfo:      req.ClientInfo,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.host.CreateSession(ctx, sess, h.ttl); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session create failed")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	h.remember(sessionID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, ProtocolVersion: sess.ProtocolVersion})
	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	h.writeJSONRPC(ctx, w, http.StatusOK, res)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("client_name", req.ClientInfo.Name))
}

func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		w.Header().Set("Allow", "POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "a session is required to open a stream")
		h.log.InfoContext(ctx, "http.get.no_session")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sess, err := h.host.LoadSession(ctx, sessionID, h.ttl)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.forget(sessionID)
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	h.remember(sessionID)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion})

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if err := stream.Flush(); err != nil {
		h.log.ErrorContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
		return
	}

	lastEventID := ""
	if stream.LastEventID.IsSet() {
		lastEventID = stream.LastEventID.String()
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	err = h.host.SubscribeSession(ctx, sess.ID, lastEventID, func(cbCtx context.Context, eventID string, data []byte) error {
		m := &sse.Message{ID: sse.ID(eventID), Type: sse.Type("message")}
		m.AppendData(string(data))
		if err := stream.Send(m); err != nil {
			return fmt.Errorf("send event: %w", err)
		}
		if err := stream.Flush(); err != nil {
			return fmt.Errorf("flush event: %w", err)
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", eventID))
		return nil
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "subscribe.session.done", slog.Duration("dur", time.Since(start)))
	default:
		h.log.WarnContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.InfoContext(ctx, "session.id.missing")
		return
	}

	if err := h.host.DeleteSession(ctx, sessionID); err != nil {
		h.forget(sessionID)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessionID))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "session delete failed")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	h.forget(sessionID)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessionID))
}

func (h *Handler) endSession(ctx context.Context, id string) {
	h.forget(id)
	if err := h.host.DeleteSession(ctx, id); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", id))
}

func (h *Handler) writeJSONRPC(ctx context.Context, w http.ResponseWriter, status int, res *jsonrpc.Response) {
	b, err := jsonrpc.Encode(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response")
		h.log.ErrorContext(ctx, "http.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (h *Handler) remember(id string) {
	h.liveMu.Lock()
	h.live[id] = struct{}{}
	h.liveMu.Unlock()
}

func (h *Handler) forget(id string) {
	h.liveMu.Lock()
	delete(h.live, id)
	h.liveMu.Unlock()
}

func (h *Handler) liveSessions() []string {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	return ids
}

// forwardChanges publishes every list_changed notification of the provider
// to the log of each live session.
func (h *Handler) forwardChanges(ctx context.Context, changes <-chan mcp.Method) {
	for {
		select {
		case <-ctx.Done():
			return
		case method, ok := <-changes:
			if !ok {
				return
			}
			note, err := jsonrpc.NewNotification(string(method), nil)
			if err != nil {
				continue
			}
			data, err := jsonrpc.Encode(note)
			if err != nil {
				continue
			}
			for _, id := range h.liveSessions() {
				if _, err := h.host.PublishSession(ctx, id, data); err != nil {
					if errors.Is(err, sessions.ErrSessionNotFound) {
						h.forget(id)
						continue
					}
					h.log.WarnContext(ctx, "session.publish.fail", slog.String("session_id", id), slog.String("err", err.Error()))
				}
			}
			h.log.DebugContext(ctx, "engine.list_changed.forward", slog.String("method", string(method)))
		}
	}
}
