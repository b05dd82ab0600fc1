// Package protocol defines the wire format spoken over the Gateway
// WebSocket: JSON frames for requests, responses and push events, the
// connect handshake, and the typed payloads carried on each push topic.
package protocol

import (
	"bytes"
	"encoding/json"
)

// FrameType discriminates the three wire message kinds.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is the envelope every wire message decodes into. Payload-bearing
// fields stay raw until the frame is routed by Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Request / response fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`

	// Event fields. Seq and StateVersion are server-assigned monotonic
	// counters; zero means "not present".
	Event        string `json:"event,omitempty"`
	Seq          uint64 `json:"seq,omitempty"`
	StateVersion uint64 `json:"stateVersion,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorInfo is the application-level error carried on a failed response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard error codes, mirroring the Gateway.
const (
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeUnauthorized   = -32000
)

// NewRequest builds a request frame, marshaling params in place.
func NewRequest(id, method string, params any) (*Frame, error) {
	f := &Frame{Type: FrameRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		f.Params = raw
	}
	return f, nil
}

// Decode parses a single wire message into a Frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

var (
	jsonNull  = []byte("null")
	jsonFalse = []byte("false")
	jsonZero  = []byte("0")
	jsonEmpty = []byte(`""`)
)

// Truthy reports whether a raw JSON value is present and not a JS-falsy
// literal. Stream sentinels (_streamEnd, _streamError) are sent by the
// Gateway as booleans, strings or objects depending on the producer.
func Truthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch {
	case bytes.Equal(trimmed, jsonNull),
		bytes.Equal(trimmed, jsonFalse),
		bytes.Equal(trimmed, jsonZero),
		bytes.Equal(trimmed, jsonEmpty):
		return false
	}
	return true
}
