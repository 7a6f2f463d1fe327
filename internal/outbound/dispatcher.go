// Package outbound correlates client-issued JSON-RPC requests with the
// responses that arrive on a shared inbound stream.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/mcp"
)

// Transport abstracts how requests are emitted. The response is delivered
// later through Dispatcher.OnResponse by whoever reads the inbound stream.
type Transport interface {
	// SendRequest writes the request. The call is already registered, so a
	// response racing the write is never lost.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id.
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher tracks in-flight requests by id. Any number of calls may be
// outstanding and responses may arrive in any order.
type Dispatcher struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.String() -> call
	closeErr error

	nextID atomic.Int64
	closed atomic.Bool
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

func (d *Dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

// Call sends a JSON-RPC request and waits for its response, the dispatcher
// closing, or ctx ending. A response carrying an error object is returned
// as a response, not as an error.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.err()
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.err()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, req); err != nil {
		d.forget(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		d.forget(key)
		_ = d.t.SendCancelled(context.Background(), id)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

// OnResponse delivers an incoming response to a waiting call. Unmatched
// responses are ignored and reported as false.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// OnNotification fails a pending call the peer reported as cancelled.
func (d *Dispatcher) OnNotification(msg *jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.CancelledNotificationMethod) {
		return
	}
	var p mcp.CancelledNotification
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(p.RequestID, &id); err != nil {
		return
	}
	key := id.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.errCh <- ErrRemoteCancelled
	}
}

// Pending reports the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}
