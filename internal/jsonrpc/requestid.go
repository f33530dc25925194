package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC id. The raw JSON is kept so a reply echoes the id
// exactly as the peer sent it, including large or fractional numbers.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID wraps a string or number. Other types yield a nil id.
func NewRequestID(value any) *RequestID {
	switch value.(type) {
	case string, int, int32, int64, uint, uint32, uint64, float64, json.Number:
	default:
		return &RequestID{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return &RequestID{}
	}
	return &RequestID{raw: raw}
}

// String is the id as text: strings unquoted, numbers verbatim.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = nil
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid JSON-RPC id: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid JSON-RPC id: %w", err)
		}
	default:
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}
