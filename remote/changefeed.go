package remote

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-provider-go/mcp"
)

// ChangeFeed turns a transport's notification callback into list_changed
// subscriptions. Register HandleNotification with the transport and pass the
// feed to WithChangeFeed.
type ChangeFeed struct {
	mu     sync.Mutex
	subs   map[chan mcp.Method]struct{}
	closed bool
}

// NewChangeFeed returns an open feed with no subscribers. Pass its
// HandleNotification to a client transport and the feed to WithChangeFeed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[chan mcp.Method]struct{})}
}

// HandleNotification forwards list_changed notifications to subscribers and
// ignores everything else. It never blocks; a slow subscriber misses events.
func (f *ChangeFeed) HandleNotification(method string, _ []byte) {
	switch mcp.Method(method) {
	case mcp.PromptsListChangedNotificationMethod,
		mcp.ToolsListChangedNotificationMethod,
		mcp.ResourcesListChangedNotificationMethod:
	default:
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- mcp.Method(method):
		default:
		}
	}
}

// Subscribe returns a channel of list_changed methods, closed when ctx is
// done or the feed is closed.
func (f *ChangeFeed) Subscribe(ctx context.Context) <-chan mcp.Method {
	ch := make(chan mcp.Method, 8)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Close ends every subscription.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
