package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// Message kinds reported by AnyMessage.Type.
const (
	TypeRequest      = "request"
	TypeNotification = "notification"
	TypeResponse     = "response"
)

var (
	// ErrBatchUnsupported is returned by Parse when the payload is a JSON array.
	ErrBatchUnsupported = errors.New("json-rpc batches are not supported")
	ErrEmptyMessage     = errors.New("empty json-rpc message")
)

// AnyMessage is one decoded JSON-RPC message of any kind.
type AnyMessage struct {
	Version string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Request is a request, or a notification when ID is nil.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error. ID is always encoded,
// as null when the request id could not be determined.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Parse decodes exactly one JSON-RPC message and checks its envelope.
func Parse(payload []byte) (*AnyMessage, error) {
	payload = bytes.TrimSpace(payload)
	switch {
	case len(payload) == 0:
		return nil, ErrEmptyMessage
	case payload[0] == '[':
		return nil, ErrBatchUnsupported
	}

	var msg AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *AnyMessage) validate() error {
	if m.Version != Version {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, m.Version)
	}
	hasResult, hasError := len(m.Result) > 0, m.Error != nil
	if m.Method != "" {
		if hasResult || hasError {
			return errors.New("request message cannot have result or error fields")
		}
		return nil
	}
	if hasResult == hasError {
		return errors.New("response message must have exactly one of result or error")
	}
	return nil
}

// Type reports TypeRequest, TypeNotification or TypeResponse.
func (m *AnyMessage) Type() string {
	switch {
	case m.Method == "":
		return TypeResponse
	case m.ID.IsNil():
		return TypeNotification
	default:
		return TypeRequest
	}
}

// AsRequest returns the request view of m, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{Version: m.Version, ID: m.ID, Method: m.Method, Params: m.Params}
}

// NewResultResponse encodes result as the reply to id.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{Version: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds the error reply to id.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}
