package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
)

type chanTransport struct {
	reqs      chan *jsonrpc.Request
	mu        sync.Mutex
	cancelled []string
	sendErr   error
}

func newChanTransport() *chanTransport {
	return &chanTransport{reqs: make(chan *jsonrpc.Request, 8)}
}

func (t *chanTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.reqs <- req
	return nil
}

func (t *chanTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID) error {
	t.mu.Lock()
	t.cancelled = append(t.cancelled, id.String())
	t.mu.Unlock()
	return nil
}

func nextRequest(t *testing.T, tr *chanTransport) *jsonrpc.Request {
	t.Helper()
	select {
	case r := <-tr.reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

func TestDispatcher_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	type result struct {
		method string
		resp   *jsonrpc.Response
		err    error
	}
	results := make(chan result, 2)
	for _, m := range []string{"test/m1", "test/m2"} {
		go func(m string) {
			resp, err := d.Call(context.Background(), m, map[string]any{"m": m})
			results <- result{m, resp, err}
		}(m)
	}

	r1 := nextRequest(t, tr)
	r2 := nextRequest(t, tr)

	// Answer the second request first.
	for _, r := range []*jsonrpc.Request{r2, r1} {
		resp, err := jsonrpc.NewResultResponse(r.ID, map[string]string{"echo": r.Method})
		if err != nil {
			t.Fatalf("build response: %v", err)
		}
		if !d.OnResponse(resp) {
			t.Fatalf("response for %s not matched", r.Method)
		}
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("%s: %v", res.method, res.err)
		}
		want := `{"echo":"` + res.method + `"}`
		if string(res.resp.Result) != want {
			t.Fatalf("%s got %s", res.method, res.resp.Result)
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	boom := errors.New("subprocess exited")

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	nextRequest(t, tr)

	d.Close(boom)
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after close")
	}

	if _, err := d.Call(context.Background(), "after", nil); !errors.Is(err, boom) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestDispatcher_ContextCancelSendsCancelled(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "slow", nil)
		errCh <- err
	}()
	req := nextRequest(t, tr)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.cancelled) != 1 || tr.cancelled[0] != req.ID.String() {
		t.Fatalf("cancelled = %v", tr.cancelled)
	}
}

func TestDispatcher_RemoteCancelled(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	nextRequest(t, tr)

	msg, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d.OnNotification(msg)

	if err := <-errCh; !errors.Is(err, ErrRemoteCancelled) {
		t.Fatalf("got %v", err)
	}
}

func TestDispatcher_SendFailureUnregisters(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	tr.sendErr = errors.New("broken pipe")
	d := New(tr)

	if _, err := d.Call(context.Background(), "x", nil); !errors.Is(err, tr.sendErr) {
		t.Fatalf("got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}
