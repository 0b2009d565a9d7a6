// ABOUTME: JSON-RPC 2.0 message envelope shared by all transports.
// ABOUTME: Provides constructors for requests, responses, and notifications.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope. Exactly one of the three shapes is
// populated: request (ID + Method), notification (Method, no ID), or
// response (ID + Result or Error).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.ID != "" && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != "" && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a fire-and-forget event.
func (m *Message) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// NewRequest builds a request with a fresh UUID id. Params may be nil.
func NewRequest(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		raw = b
	}
	return &Message{
		JSONRPC: Version,
		ID:      uuid.New().String(),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification. Params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	msg, err := NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	msg.ID = ""
	return msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id string, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// Encode serializes the message to a single line, without trailing newline.
func (m *Message) Encode() ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	return json.Marshal(m)
}

// Decode parses a single framed line into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	return &m, nil
}
