package local

import (
	"context"
	"sync"
)

// ChangeSubscriber is implemented by libraries whose listings can change.
// The returned channel receives a signal per change (coalesced when the
// reader is slow) and is closed when ctx is done or the library closes.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context) <-chan struct{}
}

// changeNotifier is a small in-process fan-out of change signals.
type changeNotifier struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// Notify signals every subscriber without blocking.
func (cn *changeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	for ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a subscriber until ctx is done.
func (cn *changeNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		close(ch)
		return ch
	}
	if cn.subs == nil {
		cn.subs = make(map[chan struct{}]struct{})
	}
	cn.subs[ch] = struct{}{}
	cn.mu.Unlock()

	go func() {
		<-ctx.Done()
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if _, ok := cn.subs[ch]; ok {
			delete(cn.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Close ends every subscription.
func (cn *changeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for ch := range cn.subs {
		close(ch)
	}
	cn.subs = nil
}
