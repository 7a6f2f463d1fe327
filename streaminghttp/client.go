package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/tmaxmax/go-sse"
)

// DefaultTimeout bounds each HTTP exchange unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

const acceptHeaderValue = "application/json, text/event-stream"

// maxErrorBody caps how much of a failed response is read for diagnostics.
const maxErrorBody = 64 << 10

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient sends requests through hc instead of a private client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout bounds every exchange. Zero or negative disables the bound;
// callers then rely on their context.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.headers.Add(key, value) }
}

// WithClientLogger overrides the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithNotificationHandler is invoked for every notification the server
// sends, whether inside a streamed POST response or on a Listen stream.
func WithNotificationHandler(fn func(method string, params []byte)) ClientOption {
	return func(c *Client) { c.onNote = fn }
}

// Client speaks to one streaming HTTP MCP endpoint. Every call is an
// independent POST; the only shared state is the session id handed out by
// the server's initialize response.
type Client struct {
	endpoint string
	hc       *http.Client
	timeout  time.Duration
	headers  http.Header
	log      *slog.Logger
	onNote   func(method string, params []byte)

	nextID atomic.Int64
	closed atomic.Bool

	mu              sync.RWMutex
	sessionID       string
	protocolVersion string
}

// NewClient returns a Client for rawURL. A URL without a path is pointed at
// DefaultPath.
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", rawURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}

	c := &Client{
		endpoint: u.String(),
		hc:       &http.Client{},
		timeout:  DefaultTimeout,
		headers:  make(http.Header),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With(slog.String("endpoint", c.endpoint))
	return c, nil
}

// Endpoint is the URL every request is sent to.
func (c *Client) Endpoint() string { return c.endpoint }

// SessionID returns the session assigned by the server, if any.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) session() (id, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.protocolVersion
}

// Call sends one request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, &provider.TransportError{Op: "call", Err: provider.ErrClosed}
	}

	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.post(ctx, req, id)
	if err != nil {
		c.log.DebugContext(ctx, "http.client.call.fail", slog.String("method", method), slog.String("err", err.Error()))
		return nil, err
	}
	if res.Error != nil {
		return nil, provider.ProtocolErrorFrom(res.Error)
	}

	if method == string(mcp.InitializeMethod) {
		var ir mcp.InitializeResult
		if err := json.Unmarshal(res.Result, &ir); err == nil && ir.ProtocolVersion != "" {
			c.mu.Lock()
			c.protocolVersion = ir.ProtocolVersion
			c.mu.Unlock()
		}
	}

	c.log.DebugContext(ctx, "http.client.call.ok", slog.String("method", method), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res.Result, nil
}

// Notify sends a notification. The server answers with 202 and no body.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return &provider.TransportError{Op: "notify", Err: provider.ErrClosed}
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, note, nil)
	return err
}

// Close ends the session with a best-effort DELETE. Later calls fail with
// ErrClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	sid, _ := c.session()
	if sid == "" {
		return nil
	}

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return nil
	}
	c.decorate(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Info("http.client.delete.fail", slog.String("err", err.Error()))
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	c.log.Info("http.client.closed", slog.Int("status", resp.StatusCode))
	return nil
}

// Listen opens the server's notification stream for the current session and
// feeds every notification to the handler until ctx is done or the server
// ends the stream. It resumes after the last seen event when reopened with
// the same lastEventID.
func (c *Client) Listen(ctx context.Context, lastEventID string) (string, error) {
	sid, _ := c.session()
	if sid == "" {
		return lastEventID, &provider.TransportError{Op: "listen", Err: errors.New("no session")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return lastEventID, &provider.TransportError{Op: "listen", Err: err}
	}
	c.decorate(req)
	req.Header.Set("Accept", eventStreamMediaType.String())
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return lastEventID, &provider.TransportError{Op: "listen", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return lastEventID, c.statusError("listen", resp, sid)
	}

	for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxBodySize}) {
		if err != nil {
			if ctx.Err() != nil {
				return lastEventID, nil
			}
			return lastEventID, &provider.TransportError{Op: "listen", Err: err}
		}
		if ev.LastEventID != "" {
			lastEventID = ev.LastEventID
		}
		c.dispatchEvent(ctx, ev.Data, nil)
	}
	return lastEventID, nil
}

// decorate adds the static, session and protocol headers.
func (c *Client) decorate(req *http.Request) {
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	sid, pv := c.session()
	if sid != "" {
		req.Header.Set(mcpSessionIDHeader, sid)
	}
	if pv != "" {
		req.Header.Set(mcpProtocolVersionHeader, pv)
	}
}

// post sends msg and, when want is non-nil, returns the response whose id
// matches it.
func (c *Client) post(ctx context.Context, msg *jsonrpc.Request, want *jsonrpc.RequestID) (*jsonrpc.Response, error) {
	body, err := jsonrpc.Encode(msg)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.TransportError{Op: "post", Err: err}
	}
	c.decorate(req)
	req.Header.Set("Content-Type", jsonMediaType.String())
	req.Header.Set("Accept", acceptHeaderValue)

	sentSession := req.Header.Get(mcpSessionIDHeader)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &provider.TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError("post", resp, sentSession)
	}

	if sid := resp.Header.Get(mcpSessionIDHeader); sid != "" {
		c.mu.Lock()
		if c.sessionID != sid {
			c.log.InfoContext(ctx, "http.client.session.assigned", slog.String("session_id", sid))
		}
		c.sessionID = sid
		if pv := resp.Header.Get(mcpProtocolVersionHeader); pv != "" {
			c.protocolVersion = pv
		}
		c.mu.Unlock()
	}

	if want == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, nil
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, &provider.TransportError{Op: "post", Err: fmt.Errorf("status %d carried no response", resp.StatusCode)}
	}

	mt, err := contenttype.GetMediaType(&http.Request{Header: http.Header{"Content-Type": resp.Header.Values("Content-Type")}})
	if err == nil && mt.Matches(eventStreamMediaType) {
		return c.readStream(ctx, resp.Body, want)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &provider.TransportError{Op: "read", Err: err}
	}
	return c.matchResponse(data, want)
}

// readStream consumes an SSE response until the response for want arrives.
func (c *Client) readStream(ctx context.Context, body io.Reader, want *jsonrpc.RequestID) (*jsonrpc.Response, error) {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxBodySize}) {
		if err != nil {
			return nil, &provider.TransportError{Op: "read", Err: err}
		}
		if res := c.dispatchEvent(ctx, ev.Data, want); res != nil {
			return res, nil
		}
	}
	return nil, &provider.TransportError{Op: "read", Err: fmt.Errorf("stream ended before response %s", want)}
}

// dispatchEvent hands notifications to the handler and returns the payload
// when it is the response for want.
func (c *Client) dispatchEvent(ctx context.Context, data string, want *jsonrpc.RequestID) *jsonrpc.Response {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	msg, err := jsonrpc.Decode([]byte(data))
	if err != nil {
		c.log.WarnContext(ctx, "http.client.event.invalid", slog.String("err", err.Error()))
		return nil
	}
	switch msg.Type() {
	case "notification":
		if c.onNote != nil {
			c.onNote(msg.Method, msg.Params)
		}
	case "response":
		if want != nil && msg.ID.Equal(want) {
			return msg.AsResponse()
		}
		c.log.DebugContext(ctx, "http.client.response.unmatched", slog.String("id", msg.ID.String()))
	case "request":
		c.log.DebugContext(ctx, "http.client.request.ignored", slog.String("method", msg.Method))
	}
	return nil
}

func (c *Client) matchResponse(data []byte, want *jsonrpc.RequestID) (*jsonrpc.Response, error) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return nil, &provider.TransportError{Op: "decode", Err: err}
	}
	res := msg.AsResponse()
	if res == nil {
		return nil, &provider.TransportError{Op: "decode", Err: fmt.Errorf("expected a response, got a %s", msg.Type())}
	}
	// Servers answer unparsable requests with a null id.
	if !res.ID.IsNil() && !res.ID.Equal(want) {
		return nil, &provider.TransportError{Op: "decode", Err: fmt.Errorf("response id %s does not match request %s", res.ID, want)}
	}
	return res, nil
}

// statusError classifies a non-2xx answer.
func (c *Client) statusError(op string, resp *http.Response, sentSession string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusNotFound && sentSession != "" {
		c.mu.Lock()
		if c.sessionID == sentSession {
			c.sessionID = ""
			c.protocolVersion = ""
		}
		c.mu.Unlock()
		return &provider.TransportError{Op: op, Err: fmt.Errorf("%w: session %s", provider.ErrSessionExpired, sentSession)}
	}

	if msg, err := jsonrpc.Decode(data); err == nil {
		if res := msg.AsResponse(); res != nil && res.Error != nil {
			return provider.ProtocolErrorFrom(res.Error)
		}
	}

	snippet := strings.TrimSpace(string(data))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &provider.TransportError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)}
}
