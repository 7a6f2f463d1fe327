// Package sessionstest is a conformance suite for sessions.Host
// implementations.
package sessionstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/sessions"
)

// HostFactory creates a new Host instance for one test.
type HostFactory func(t *testing.T) sessions.Host

// RunHostTests runs the complete Host test suite against the factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("Lifecycle_CreateLoadDelete", func(t *testing.T) { testLifecycle(t, factory) })
	t.Run("Lifecycle_UnknownSession", func(t *testing.T) { testUnknownSession(t, factory) })
	t.Run("Lifecycle_TTLExpires", func(t *testing.T) { testTTLExpires(t, factory) })
	t.Run("Lifecycle_LoadSlidesTTL", func(t *testing.T) { testLoadSlidesTTL(t, factory) })
	t.Run("Messaging_SubscribeReceivesNew", func(t *testing.T) { testSubscribeReceivesNew(t, factory) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResume(t, factory) })
	t.Run("Messaging_ResumeFromUnknownEventID", func(t *testing.T) { testResumeUnknown(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Messaging_DeleteEndsSubscription", func(t *testing.T) { testDeleteEndsSubscription(t, factory) })
}

var idSeq struct {
	mu sync.Mutex
	n  int
}

// uniqueID keeps runs against shared backends from colliding.
func uniqueID(t *testing.T) string {
	idSeq.mu.Lock()
	idSeq.n++
	n := idSeq.n
	idSeq.mu.Unlock()
	return fmt.Sprintf("sess-%d-%d", time.Now().UnixNano(), n)
}

func create(t *testing.T, h sessions.Host, ttl time.Duration) *sessions.Session {
	t.Helper()
	s := &sessions.Session{
		ID:              uniqueID(t),
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "suite", Version: "1"},
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := h.CreateSession(context.Background(), s, ttl); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

type received struct {
	mu   sync.Mutex
	ids  []string
	data []string
}

func (r *received) handler(ctx context.Context, id string, data []byte) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.data = append(r.data, string(data))
	r.mu.Unlock()
	return nil
}

func (r *received) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.data) >= n {
			out := append([]string(nil), r.data...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("expected %d messages, got %d: %v", n, len(r.data), r.data)
	return nil
}

func testLifecycle(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := create(t, h, time.Minute)

	got, err := h.LoadSession(ctx, s.ID, time.Minute)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != s.ID || got.ProtocolVersion != s.ProtocolVersion || got.ClientInfo != s.ClientInfo {
		t.Fatalf("loaded %+v, want %+v", got, s)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) {
		t.Fatalf("created at %v, want %v", got.CreatedAt, s.CreatedAt)
	}

	if err := h.CreateSession(ctx, s, time.Minute); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	if err := h.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.LoadSession(ctx, s.ID, time.Minute); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := h.DeleteSession(ctx, s.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func testUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	id := uniqueID(t)

	if _, err := h.LoadSession(ctx, id, time.Minute); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("load: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.PublishSession(ctx, id, []byte("x")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("publish: expected ErrSessionNotFound, got %v", err)
	}
	err := h.SubscribeSession(ctx, id, "", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("subscribe: expected ErrSessionNotFound, got %v", err)
	}
}

func testTTLExpires(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Second)

	time.Sleep(1500 * time.Millisecond)
	if _, err := h.LoadSession(context.Background(), s.ID, time.Second); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func testLoadSlidesTTL(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	s := create(t, h, 2*time.Second)

	for i := 0; i < 3; i++ {
		time.Sleep(time.Second)
		if _, err := h.LoadSession(ctx, s.ID, 2*time.Second); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
}

func testSubscribeReceivesNew(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.PublishSession(ctx, s.ID, []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var r received
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, s.ID, "", r.handler) }()

	time.Sleep(100 * time.Millisecond)
	var ids []string
	for _, msg := range []string{"one", "two", "three"} {
		id, err := h.PublishSession(ctx, s.ID, []byte(msg))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	got := r.waitFor(t, 3)
	if fmt.Sprint(got) != "[one two three]" {
		t.Fatalf("unexpected messages %v", got)
	}
	r.mu.Lock()
	if fmt.Sprint(r.ids) != fmt.Sprint(ids) {
		t.Fatalf("event ids %v, want %v", r.ids, ids)
	}
	r.mu.Unlock()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testResume(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := h.PublishSession(ctx, s.ID, []byte("m1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, msg := range []string{"m2", "m3"} {
		if _, err := h.PublishSession(ctx, s.ID, []byte(msg)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var r received
	go func() { _ = h.SubscribeSession(ctx, s.ID, first, r.handler) }()

	got := r.waitFor(t, 2)
	if fmt.Sprint(got) != "[m2 m3]" {
		t.Fatalf("unexpected replay %v", got)
	}
}

func testResumeUnknown(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := h.PublishSession(ctx, s.ID, []byte("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := h.SubscribeSession(ctx, s.ID, "999999-0", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID, got %v", err)
	}
}

func testIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	a := create(t, h, time.Minute)
	b := create(t, h, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ra, rb received
	go func() { _ = h.SubscribeSession(ctx, a.ID, "", ra.handler) }()
	go func() { _ = h.SubscribeSession(ctx, b.ID, "", rb.handler) }()
	time.Sleep(100 * time.Millisecond)

	if _, err := h.PublishSession(ctx, a.ID, []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishSession(ctx, b.ID, []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	if got := ra.waitFor(t, 1); fmt.Sprint(got) != "[for-a]" {
		t.Fatalf("session a got %v", got)
	}
	if got := rb.waitFor(t, 1); fmt.Sprint(got) != "[for-b]" {
		t.Fatalf("session b got %v", got)
	}
}

func testHandlerError(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("handler error")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, s.ID, "", func(context.Context, string, []byte) error { return boom })
	}()
	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, s.ID, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}

func testDeleteEndsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	s := create(t, h, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, s.ID, "", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(100 * time.Millisecond)
	if err := h.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after delete, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not end after delete")
	}
}
