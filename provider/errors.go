package provider

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
)

var (
	// ErrClosed is returned for calls on a closed provider or transport and
	// for calls still pending when it closed.
	ErrClosed = errors.New("provider closed")
	// ErrNotFound reports a missing prompt, tool or resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument reports arguments a provider refused.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSessionExpired reports that an HTTP server no longer knows the session.
	ErrSessionExpired = errors.New("session expired")
)

// JSON-RPC error codes surfaced in ProtocolError.Code.
const (
	CodeParseError     = int(jsonrpc.ErrorCodeParseError)
	CodeInvalidRequest = int(jsonrpc.ErrorCodeInvalidRequest)
	CodeMethodNotFound = int(jsonrpc.ErrorCodeMethodNotFound)
	CodeInvalidParams  = int(jsonrpc.ErrorCodeInvalidParams)
	CodeInternalError  = int(jsonrpc.ErrorCodeInternalError)
)

// TransportError reports a broken channel: a refused connection, an exited
// subprocess, a timeout, or an HTTP failure without a JSON-RPC body.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports envelope text that could not be decoded.
type ParseError = jsonrpc.ParseError

// ProtocolError is a JSON-RPC error object returned by the peer.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap maps the reason carried in Data back to a sentinel so callers can
// use errors.Is without caring whether the provider is local or remote.
func (e *ProtocolError) Unwrap() error {
	return reasonError(reasonFromData(e.Data))
}

// DomainError is a provider-specific failure such as a missing prompt.
// Reason is one of the sentinels above.
type DomainError struct {
	Reason  error
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != nil {
		return e.Reason.Error()
	}
	return "domain error"
}

func (e *DomainError) Unwrap() error { return e.Reason }

// NotFoundf builds a DomainError with reason ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return &DomainError{Reason: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf builds a DomainError with reason ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return &DomainError{Reason: ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Reason slugs carried in JSON-RPC error data.
const (
	ReasonNotFound        = "not_found"
	ReasonInvalidArgument = "invalid_argument"
	ReasonClosed          = "closed"
)

// ReasonOf returns the slug for a sentinel, or "" when err carries none.
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidArgument):
		return ReasonInvalidArgument
	case errors.Is(err, ErrClosed):
		return ReasonClosed
	}
	return ""
}

func reasonError(slug string) error {
	switch slug {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonInvalidArgument:
		return ErrInvalidArgument
	case ReasonClosed:
		return ErrClosed
	}
	return nil
}

func reasonFromData(data any) string {
	switch d := data.(type) {
	case map[string]any:
		s, _ := d["reason"].(string)
		return s
	case map[string]string:
		return d["reason"]
	}
	return ""
}

// ProtocolErrorFrom converts a decoded JSON-RPC error object.
func ProtocolErrorFrom(e *jsonrpc.Error) *ProtocolError {
	return &ProtocolError{Code: int(e.Code), Message: e.Message, Data: e.Data}
}
