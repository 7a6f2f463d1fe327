package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-provider-go/sessions"
)

// maxLogSize bounds the replayable log of each session.
const maxLogSize = 1024

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*sessionData
	counter  atomic.Int64

	now func() time.Time
}

type sessionData struct {
	record    sessions.Session
	expiresAt time.Time

	mu          sync.Mutex
	messages    []message
	subscribers map[*subscription]struct{}
}

type message struct {
	id   string
	data []byte
}

type subscription struct {
	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

func (s *subscription) stop() { s.once.Do(func() { close(s.stopCh) }) }

// New returns an empty Host.
func New() *Host {
	return &Host{sessions: make(map[string]*sessionData), now: time.Now}
}

func (h *Host) CreateSession(ctx context.Context, s *sessions.Session, ttl time.Duration) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("memoryhost: session id required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[s.ID]; exists {
		return fmt.Errorf("memoryhost: session %s already exists", s.ID)
	}
	h.sessions[s.ID] = &sessionData{
		record:      *s,
		expiresAt:   h.expiry(ttl),
		subscribers: make(map[*subscription]struct{}),
	}
	return nil
}

func (h *Host) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return h.now().Add(ttl)
}

// lookup returns a live session, dropping it when expired.
func (h *Host) lookup(id string) (*sessionData, bool) {
	h.mu.RLock()
	sd, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	h.mu.RLock()
	expired := !sd.expiresAt.IsZero() && h.now().After(sd.expiresAt)
	h.mu.RUnlock()
	if expired {
		h.remove(id)
		return nil, false
	}
	return sd, true
}

func (h *Host) LoadSession(ctx context.Context, id string, ttl time.Duration) (*sessions.Session, error) {
	sd, ok := h.lookup(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	h.mu.Lock()
	if ttl > 0 {
		sd.expiresAt = h.expiry(ttl)
	}
	rec := sd.record
	h.mu.Unlock()
	return &rec, nil
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	if !h.remove(id) {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) remove(id string) bool {
	h.mu.Lock()
	sd, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	sd.mu.Lock()
	subs := make([]*subscription, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		subs = append(subs, sub)
	}
	sd.subscribers = make(map[*subscription]struct{})
	sd.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return true
}

func (h *Host) PublishSession(ctx context.Context, id string, data []byte) (string, error) {
	sd, ok := h.lookup(id)
	if !ok {
		return "", sessions.ErrSessionNotFound
	}
	evID := strconv.FormatInt(h.counter.Add(1), 10)

	sd.mu.Lock()
	sd.messages = append(sd.messages, message{id: evID, data: append([]byte(nil), data...)})
	if len(sd.messages) > maxLogSize {
		sd.messages = append([]message(nil), sd.messages[len(sd.messages)-maxLogSize:]...)
	}
	for sub := range sd.subscribers {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	sd.mu.Unlock()
	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, id string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sd, ok := h.lookup(id)
	if !ok {
		return sessions.ErrSessionNotFound
	}

	sub := &subscription{notify: make(chan struct{}, 1), stopCh: make(chan struct{})}

	sd.mu.Lock()
	cursor := lastEventID
	if cursor == "" {
		if n := len(sd.messages); n > 0 {
			cursor = sd.messages[n-1].id
		}
	} else if indexAfter(sd.messages, cursor) < 0 {
		sd.mu.Unlock()
		return fmt.Errorf("%w: %s", sessions.ErrUnknownEventID, lastEventID)
	}
	sd.subscribers[sub] = struct{}{}
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		delete(sd.subscribers, sub)
		sd.mu.Unlock()
	}()

	for {
		sd.mu.Lock()
		start := 0
		if cursor != "" {
			start = indexAfter(sd.messages, cursor)
			if start < 0 {
				// The cursor was trimmed away; continue from the oldest kept.
				start = 0
			}
		}
		pending := append([]message(nil), sd.messages[start:]...)
		sd.mu.Unlock()

		for _, m := range pending {
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			cursor = m.id
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case <-sub.notify:
		}
	}
}

// indexAfter returns the index following the message with id, or -1.
func indexAfter(msgs []message, id string) int {
	for i := range msgs {
		if msgs[i].id == id {
			return i + 1
		}
	}
	return -1
}

var _ sessions.Host = (*Host)(nil)
