package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the client. Wrapped errors remain matchable
// with errors.Is.
var (
	// ErrConnectionClosed rejects every pending request and open stream
	// when the connection is torn down.
	ErrConnectionClosed = errors.New("gateway: connection closed")

	// ErrNotConnected is returned by calls issued while the client has no
	// live connection.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrRequestTimeout is returned when a call outlives its deadline.
	// It has no effect on connection state.
	ErrRequestTimeout = errors.New("gateway: request timed out")
)

// SocketError is a transport-level failure. The client reacts by
// reconnecting with backoff.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("gateway: socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// HandshakeError is a protocol mismatch or auth rejection. It is fatal for
// the attempt and counts toward the reconnect budget.
type HandshakeError struct {
	Reason string
	Code   int
}

func (e *HandshakeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway: handshake rejected (%d): %s", e.Code, e.Reason)
	}
	return "gateway: handshake rejected: " + e.Reason
}

// RequestRejected is an application-level error returned by the Gateway
// for one call. It is surfaced to the caller only.
type RequestRejected struct {
	Method  string
	Code    int
	Message string
}

func (e *RequestRejected) Error() string {
	return fmt.Sprintf("gateway: %s rejected (%d): %s", e.Method, e.Code, e.Message)
}
