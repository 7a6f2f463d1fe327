package streaminghttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-provider-go/local"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
	"github.com/ggoodman/mcp-provider-go/streaminghttp"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func starterProvider() *local.Provider {
	return local.New(
		local.WithPrompts(local.DefaultPrompts()),
		local.WithTools(local.StarterTools()),
		local.WithResources(local.SampleResources()),
	)
}

func mustServer(t *testing.T, p provider.Provider, opts ...streaminghttp.Option) *httptest.Server {
	t.Helper()

	h, err := streaminghttp.New(t.Context(), p, append([]streaminghttp.Option{streaminghttp.WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func mustPost(t *testing.T, srv *httptest.Server, sessionID, body string, headers ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustDecode(t *testing.T, resp *http.Response) rpcResponse {
	t.Helper()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp := mustPost(t, srv, "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: unexpected status %d", resp.StatusCode)
	}
	sid := resp.Header.Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatalf("initialize: missing Mcp-Session-Id")
	}
	return sid
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("unexpected health answer: %d %q", resp.StatusCode, body)
	}
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider(), streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: "http-test", Version: "9.9.9"}))

	resp := mustPost(t, srv, "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("missing session header")
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != "2025-06-18" {
		t.Fatalf("unexpected protocol header %q", got)
	}

	out := mustDecode(t, resp)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ProtocolVersion != "2025-06-18" || res.ServerInfo.Name != "http-test" {
		t.Fatalf("unexpected initialize result: %+v", res)
	}
	if res.Capabilities.Prompts == nil || res.Capabilities.Tools == nil || res.Capabilities.Resources == nil {
		t.Fatalf("expected all capabilities, got %+v", res.Capabilities)
	}
}

func TestPost_ParseErrors(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{name: "empty", body: "", msg: "Parse error: empty request"},
		{name: "whitespace", body: "  \n", msg: "Parse error: empty request"},
		{name: "malformed", body: `{"jsonrpc":`, msg: "Parse error"},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, msg: "Parse error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustPost(t, srv, "", tc.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("unexpected status %d", resp.StatusCode)
			}
			out := mustDecode(t, resp)
			if out.Error == nil || out.Error.Code != -32700 {
				t.Fatalf("expected -32700, got %+v", out)
			}
			if !strings.HasPrefix(out.Error.Message, tc.msg) {
				t.Fatalf("unexpected message %q", out.Error.Message)
			}
			if string(out.ID) != "null" {
				t.Fatalf("expected null id, got %s", out.ID)
			}
		})
	}
}

func TestPost_UnsupportedMediaType(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())

	resp := mustPost(t, srv, "", initializeBody, "Content-Type", "text/plain")
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("want 415, got %d", resp.StatusCode)
	}
}

func TestPost_UnknownMethod(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	out := mustDecode(t, mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":"x-1","method":"foo/bar"}`))
	if out.Error == nil || out.Error.Code != -32601 || out.Error.Message != "Method not found: foo/bar" {
		t.Fatalf("unexpected response: %+v", out.Error)
	}
	if string(out.ID) != `"x-1"` {
		t.Fatalf("id not echoed: %s", out.ID)
	}
}

func TestPost_ToolsRoundTrip(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	out := mustDecode(t, mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	var list mcp.ListToolsResult
	if err := json.Unmarshal(out.Result, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, tool := range list.Tools {
		if tool.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("echo tool missing from %+v", list.Tools)
	}

	out = mustDecode(t, mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))
	var res mcp.CallToolResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result: %+v", res)
	}
}

func TestPost_PromptNotFound(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	out := mustDecode(t, mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":4,"method":"prompts/get","params":{"name":"nope"}}`))
	if out.Error == nil || out.Error.Code != -32603 {
		t.Fatalf("expected internal error, got %+v", out)
	}
	if !strings.Contains(out.Error.Message, "Prompt with name 'nope' not found") {
		t.Fatalf("unexpected message %q", out.Error.Message)
	}
	if len(out.Result) != 0 {
		t.Fatalf("partial result returned: %s", out.Result)
	}
}

func TestPost_SessionRules(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	t.Run("unknown session", func(t *testing.T) {
		resp := mustPost(t, srv, "does-not-exist", `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("want 404, got %d", resp.StatusCode)
		}
	})

	t.Run("protocol version mismatch", func(t *testing.T) {
		resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":6,"method":"ping"}`, "Mcp-Protocol-Version", "2024-11-05")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", resp.StatusCode)
		}
	})

	t.Run("matching protocol version", func(t *testing.T) {
		resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":7,"method":"ping"}`, "Mcp-Protocol-Version", "2025-06-18")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("want 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Mcp-Session-Id"); got != sid {
			t.Fatalf("session header not echoed: %q", got)
		}
	})

	t.Run("notification accepted", func(t *testing.T) {
		resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("want 202, got %d", resp.StatusCode)
		}
	})

	t.Run("client response accepted", func(t *testing.T) {
		resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":99,"result":{}}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("want 202, got %d", resp.StatusCode)
		}
	})

	t.Run("no session header", func(t *testing.T) {
		resp := mustPost(t, srv, "", `{"jsonrpc":"2.0","id":8,"method":"prompts/list"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("want 200, got %d", resp.StatusCode)
		}
	})
}

func TestCloseNotification_DeletesSession(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","method":"notifications/close"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", resp.StatusCode)
	}

	resp = mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 after close, got %d", resp.StatusCode)
	}

	// The provider keeps serving other sessions.
	other := mustInitialize(t, srv)
	resp = mustPost(t, srv, other, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 for new session, got %d", resp.StatusCode)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())
	sid := mustInitialize(t, srv)

	del := func() int {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodDelete, srv.URL+"/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sid)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del(); got != http.StatusNoContent {
		t.Fatalf("want 204, got %d", got)
	}
	if got := del(); got != http.StatusNotFound {
		t.Fatalf("want 404 on second delete, got %d", got)
	}
	if resp := mustPost(t, srv, sid, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 after delete, got %d", resp.StatusCode)
	}
}

func TestGet_RequiresSession(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider())

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "missing")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestGet_StreamsListChanged(t *testing.T) {
	t.Parallel()

	tools := local.NewStaticTools(local.EchoTool())
	srv := mustServer(t, local.New(local.WithTools(tools)))

	var mu sync.Mutex
	var seen []string
	got := make(chan struct{}, 1)
	c, err := streaminghttp.NewClient(srv.URL, streaminghttp.WithClientLogger(discardLogger()), streaminghttp.WithNotificationHandler(func(method string, params []byte) {
		mu.Lock()
		seen = append(seen, method)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	if _, err := c.Call(t.Context(), "initialize", map[string]any{"protocolVersion": "2025-06-18", "capabilities": map[string]any{}, "clientInfo": map[string]any{"name": "listen", "version": "1"}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	listenDone := make(chan error, 1)
	go func() {
		_, err := c.Listen(ctx, "")
		listenDone <- err
	}()

	// The stream only carries events published after it opens, so keep
	// changing the library until one arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for n := 0; ; n++ {
		select {
		case <-got:
			mu.Lock()
			first := seen[0]
			mu.Unlock()
			if first != string(mcp.ToolsListChangedNotificationMethod) {
				t.Fatalf("unexpected notification %q", first)
			}
			cancel()
			if err := <-listenDone; err != nil {
				t.Fatalf("Listen returned %v", err)
			}
			return
		case <-tick.C:
			tools.Add(local.NewTool("extra", func(ctx context.Context, _ struct{}) (*provider.ToolCallResult, error) {
				return local.TextResult("x"), nil
			}))
			tools.Remove("extra")
		case <-deadline:
			t.Fatalf("no list_changed notification received")
		}
	}
}

func TestWithPath(t *testing.T) {
	t.Parallel()
	srv := mustServer(t, starterProvider(), streaminghttp.WithPath("rpc"))

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/rpc", strings.NewReader(initializeBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 on custom path, got %d", resp.StatusCode)
	}

	resp = mustPost(t, srv, "", initializeBody)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("default path still served: %d", resp.StatusCode)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	if _, err := streaminghttp.New(t.Context(), nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

func TestHandlerClose_ClosesProvider(t *testing.T) {
	t.Parallel()

	p := starterProvider()
	h, err := streaminghttp.New(t.Context(), p, streaminghttp.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.ListTools(t.Context()); !errors.Is(err, provider.ErrClosed) {
		t.Fatalf("expected ErrClosed after handler close, got %v", err)
	}
}
