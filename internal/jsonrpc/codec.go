package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyMessage is the cause carried by a ParseError for blank input.
var ErrEmptyMessage = errors.New("empty request")

// ErrBatchUnsupported is the cause carried by a ParseError for array input.
var ErrBatchUnsupported = errors.New("batch requests are not supported")

// Decode parses one envelope. Every failure is a *ParseError so that a
// transport can answer with -32700 and keep reading.
func Decode(data []byte) (*AnyMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ParseError{Reason: "empty request", Err: ErrEmptyMessage}
	}
	if data[0] == '[' {
		return nil, &ParseError{Reason: "batch", Err: ErrBatchUnsupported}
	}
	if data[0] != '{' {
		return nil, &ParseError{Reason: "not an object", Err: fmt.Errorf("unexpected %q", data[0])}
	}

	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ParseError{Reason: "invalid envelope", Err: err}
	}
	return &msg, nil
}

// Encode renders v as a single line of JSON with no trailing newline.
// encoding/json never emits raw newlines, so the result is safe for
// line-delimited framing.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}
