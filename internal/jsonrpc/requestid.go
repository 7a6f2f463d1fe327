package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
// The original form is preserved so the id round-trips unchanged.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or number. Any other type
// yields an empty id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, float64:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	case uint32:
		return &RequestID{value: int64(v)}
	case json.Number:
		var id RequestID
		if err := id.UnmarshalJSON([]byte(v)); err != nil {
			return &RequestID{}
		}
		return &id
	default:
		return &RequestID{}
	}
}

// String returns the canonical text form of the ID. String and numeric ids
// with the same digits map to different keys ("1" vs "#1") so a pending-call
// table cannot confuse them.
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return "#" + strconv.FormatInt(v, 10)
	case float64:
		return "#" + strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", id.value)
}

// Value returns the underlying value: a string, an int64 or a float64.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil returns true if the ID is nil/empty.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// Equal reports whether two ids carry the same value and form.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler. An empty id encodes as null, which
// is what a response to an unreadable request carries.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		id.value = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		id.value = str
		return nil
	}

	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		id.value = n
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		id.value = num
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
