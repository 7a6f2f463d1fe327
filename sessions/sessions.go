package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-provider-go/mcp"
)

var (
	// ErrSessionNotFound is returned for unknown, expired or deleted sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownEventID is returned when a subscription asks to resume after
	// an event id the host does not hold.
	ErrUnknownEventID = errors.New("unknown last event id")
)

// Session is the persisted record of one client session.
type Session struct {
	ID              string                 `json:"id"`
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientInfo      mcp.ImplementationInfo `json:"clientInfo"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// MessageHandlerFunction receives one message of a session log.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// Host stores sessions and their message logs. Implementations must be safe
// for concurrent use.
type Host interface {
	// CreateSession stores s with the given TTL.
	CreateSession(ctx context.Context, s *Session, ttl time.Duration) error
	// LoadSession returns the session and extends its TTL.
	LoadSession(ctx context.Context, id string, ttl time.Duration) (*Session, error)
	// DeleteSession removes the session and its message log, ending any
	// active subscriptions.
	DeleteSession(ctx context.Context, id string) error

	// PublishSession appends data to the session's log and returns its
	// event id. Event ids increase within a session.
	PublishSession(ctx context.Context, id string, data []byte) (eventID string, err error)
	// SubscribeSession calls handler for every message after lastEventID
	// (or for new messages when lastEventID is empty) until ctx is done,
	// the handler fails, or the session is deleted (nil error).
	SubscribeSession(ctx context.Context, id string, lastEventID string, handler MessageHandlerFunction) error
}
