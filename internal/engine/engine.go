// Package engine maps JSON-RPC method names onto Provider operations. It is
// transport agnostic: stdio and HTTP servers decode envelopes, hand them to
// Handle and write back whatever response it returns.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/internal/logctx"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// DefaultServerInfo is reported by initialize unless WithServerInfo is used.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "mcp-provider-go", Version: "0.1.0"}

// methodHandler serves one entry of the method table. A returned error that
// is not a *provider.ProtocolError is mapped by toProtocolError.
type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Engine is the method dispatcher. It is safe for concurrent use.
type Engine struct {
	p            provider.Provider
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	methods map[string]methodHandler

	// in-flight request tracking for notifications/cancelled
	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	closeOnce sync.Once
	closeErr  error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the serverInfo reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) {
		if info.Name != "" {
			e.info = info
		}
	}
}

// WithInstructions sets the optional instructions reported by initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// ErrCancelled is the cause attached to requests cancelled by the client.
var ErrCancelled = errors.New("request cancelled by client")

// NewEngine builds the method table for p. The engine owns p: Shutdown
// closes it.
func NewEngine(p provider.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		p:        p,
		log:      slog.Default(),
		info:     DefaultServerInfo,
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.methods = map[string]methodHandler{
		string(mcp.InitializeMethod):             e.handleInitialize,
		string(mcp.PingMethod):                   e.handlePing,
		string(mcp.PromptsListMethod):            e.handlePromptsList,
		string(mcp.PromptsGetMethod):             e.handlePromptsGet,
		string(mcp.ToolsListMethod):              e.handleToolsList,
		string(mcp.ToolsCallMethod):              e.handleToolsCall,
		string(mcp.ResourcesListMethod):          e.handleResourcesList,
		string(mcp.ResourcesTemplatesListMethod): e.handleResourcesTemplatesList,
		string(mcp.ResourcesReadMethod):          e.handleResourcesRead,

		string(mcp.InitializedNotificationMethod): e.handleInitialized,
		string(mcp.CancelledNotificationMethod):   e.handleCancelled,
		// Shutdown is carried out by the transport once in-flight work is
		// flushed; see Handle.
		string(mcp.CloseNotificationMethod): func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}
	return e
}

// Provider returns the provider the engine dispatches to.
func (e *Engine) Provider() provider.Provider { return e.p }

// Call runs one method and returns its result value. Every failure is a
// *provider.ProtocolError.
func (e *Engine) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", method))

	h, ok := e.methods[method]
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unsupported")
		return nil, &provider.ProtocolError{
			Code:    provider.CodeMethodNotFound,
			Message: "Method not found: " + method,
		}
	}

	res, err := h(ctx, params)
	if err != nil {
		pe := toProtocolError(err)
		if pe.Code == provider.CodeInvalidParams {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", pe.Message), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		} else {
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		return nil, pe
	}

	log.DebugContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res, nil
}

// Handle dispatches one decoded message. It returns the response to write,
// or nil for notifications and client responses. closeRequested reports a
// notifications/close: the caller should stop reading, let in-flight
// requests finish and then call Shutdown.
func (e *Engine) Handle(ctx context.Context, msg *jsonrpc.AnyMessage) (res *jsonrpc.Response, closeRequested bool) {
	req := msg.AsRequest()
	if req == nil {
		e.log.DebugContext(ctx, "engine.handle_response.ignored", slog.String("id", msg.ID.String()))
		return nil, false
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

	if req.IsNotification() {
		if _, err := e.Call(ctx, req.Method, req.Params); err != nil {
			e.log.WarnContext(ctx, "engine.handle_notification.fail", slog.String("err", err.Error()))
		}
		return nil, req.Method == string(mcp.CloseNotificationMethod)
	}

	ctx, done := e.track(ctx, req.ID)
	defer done()

	result, err := e.Call(ctx, req.Method, req.Params)
	if err != nil {
		var pe *provider.ProtocolError
		errors.As(err, &pe)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCode(pe.Code), pe.Message, pe.Data), false
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.encode_result.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error: "+err.Error(), nil), false
	}
	return resp, false
}

// Shutdown closes the provider once.
func (e *Engine) Shutdown() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.p.Close()
		e.log.Info("engine.shutdown", slog.Bool("ok", e.closeErr == nil))
	})
	return e.closeErr
}

// Changes returns the provider's list_changed stream, or nil when the
// provider cannot signal changes.
func (e *Engine) Changes(ctx context.Context) <-chan mcp.Method {
	if w, ok := e.p.(provider.ChangeWatcher); ok {
		return w.SubscribeChanges(ctx)
	}
	return nil
}

type scopeKey struct{}

// WithScope namespaces request ids, for servers that multiplex several
// clients (one per HTTP session) over one engine.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func inflightKey(ctx context.Context, id *jsonrpc.RequestID) string {
	scope, _ := ctx.Value(scopeKey{}).(string)
	return scope + "/" + id.String()
}

func (e *Engine) track(ctx context.Context, id *jsonrpc.RequestID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	key := inflightKey(ctx, id)

	e.inflightMu.Lock()
	_, dup := e.inflight[key]
	if !dup {
		e.inflight[key] = cancel
	}
	e.inflightMu.Unlock()

	return ctx, func() {
		if !dup {
			e.inflightMu.Lock()
			delete(e.inflight, key)
			e.inflightMu.Unlock()
		}
		cancel(context.Canceled)
	}
}

func (e *Engine) handleCancelled(ctx context.Context, params json.RawMessage) (any, error) {
	var note mcp.CancelledNotification
	if err := decodeParams(params, &note); err != nil {
		return nil, err
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(note.RequestID, &id); err != nil || id.IsNil() {
		return nil, invalidParams("missing requestId")
	}

	key := inflightKey(ctx, &id)
	e.inflightMu.Lock()
	cancel, ok := e.inflight[key]
	e.inflightMu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	e.log.InfoContext(ctx, "engine.request.cancelled", slog.String("request_id", id.String()), slog.Bool("found", ok), slog.String("reason", note.Reason))
	return nil, nil
}

func (e *Engine) handleInitialized(ctx context.Context, _ json.RawMessage) (any, error) {
	e.log.InfoContext(ctx, "engine.session.initialized")
	return nil, nil
}

func (e *Engine) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.InitializeRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	caps, err := e.p.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	if caps == nil {
		caps = &mcp.ServerCapabilities{}
	}

	e.log.InfoContext(ctx, "engine.initialize",
		slog.String("client_name", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("requested_version", req.ProtocolVersion),
	)

	return &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(req.ProtocolVersion),
		Capabilities:    *caps,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}, nil
}

func (e *Engine) handlePing(context.Context, json.RawMessage) (any, error) {
	return &mcp.EmptyResult{}, nil
}

func (e *Engine) handlePromptsList(ctx context.Context, _ json.RawMessage) (any, error) {
	prompts, err := e.p.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.ListPromptsResult{Prompts: nonNil(prompts)}, nil
}

func (e *Engine) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.GetPromptRequestReceived
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalidParams("missing required parameter 'name'")
	}

	res, err := e.p.GetPrompt(ctx, req.Name, req.StringArguments())
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &mcp.GetPromptResult{}
	}
	res.Messages = nonNil(res.Messages)
	return res, nil
}

func (e *Engine) handleToolsList(ctx context.Context, _ json.RawMessage) (any, error) {
	tools, err := e.p.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: nonNil(tools)}, nil
}

func (e *Engine) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.CallToolRequestReceived
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalidParams("missing required parameter 'name'")
	}

	args := map[string]any{}
	if len(req.Arguments) > 0 && string(req.Arguments) != "null" {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, invalidParams("arguments must be an object")
		}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})
	res, err := e.p.CallTool(ctx, req.Name, args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &provider.ToolCallResult{Name: req.Name}
	}
	return res.Wire(), nil
}

func (e *Engine) handleResourcesList(ctx context.Context, _ json.RawMessage) (any, error) {
	resources, err := e.p.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourcesResult{Resources: nonNil(resources)}, nil
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, _ json.RawMessage) (any, error) {
	templates, err := e.p.ListResourceTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: nonNil(templates)}, nil
}

func (e *Engine) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.ReadResourceRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.URI == "" {
		return nil, invalidParams("missing required parameter 'uri'")
	}

	res, err := e.p.ReadResource(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &mcp.ReadResourceResult{}
	}
	res.Contents = nonNil(res.Contents)
	return res, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(detail string) *provider.ProtocolError {
	return &provider.ProtocolError{Code: provider.CodeInvalidParams, Message: "Invalid params: " + detail}
}

// toProtocolError maps a provider failure onto a JSON-RPC error. Protocol
// errors pass through unchanged, domain errors keep their message and carry
// their reason in data, anything else is an internal error.
func toProtocolError(err error) *provider.ProtocolError {
	var pe *provider.ProtocolError
	if errors.As(err, &pe) {
		return pe
	}

	var de *provider.DomainError
	if errors.As(err, &de) {
		code := provider.CodeInternalError
		if errors.Is(de, provider.ErrInvalidArgument) {
			code = provider.CodeInvalidParams
		}
		out := &provider.ProtocolError{Code: code, Message: de.Error()}
		if reason := provider.ReasonOf(de); reason != "" {
			out.Data = map[string]any{"reason": reason}
		}
		return out
	}

	return &provider.ProtocolError{Code: provider.CodeInternalError, Message: "Internal error: " + err.Error()}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
