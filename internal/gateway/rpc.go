package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/adam91holt/observatory/internal/protocol"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is exactly one live entry per outstanding request id. It is
// removed on the matching response, on timeout, or on connection loss.
type pendingCall struct {
	id     string
	method string
	done   chan callResult // buffered; settled at most once
}

func newID() string { return uuid.NewString() }

// Call sends an RPC and waits for the matching response, the configured
// timeout, or ctx cancellation, whichever comes first. Timeouts are per
// call and never retried here (at-most-once).
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallTimeout(ctx, method, params, c.opts.RequestTimeout)
}

// CallTimeout is Call with an explicit per-request timeout.
func (c *Client) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	frame, err := protocol.NewRequest(newID(), method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{
		id:     frame.ID,
		method: method,
		done:   make(chan callResult, 1),
	}
	c.pendingMu.Lock()
	c.pending[pc.id] = pc
	c.pendingMu.Unlock()

	if err := c.write(frame); err != nil {
		c.removePending(pc.id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(pc.id)
		return nil, &requestTimeoutError{method: method, timeout: timeout}
	case <-ctx.Done():
		c.removePending(pc.id)
		return nil, ctx.Err()
	}
}

// resolvePending settles the call matching a response frame. A response
// for an unknown or already-expired id is dropped silently.
func (c *Client) resolvePending(f *protocol.Frame) {
	c.pendingMu.Lock()
	pc, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if f.OK {
		pc.done <- callResult{payload: f.Payload}
		return
	}
	rej := &RequestRejected{Method: pc.method, Message: "request failed"}
	if f.Error != nil {
		rej.Code = f.Error.Code
		rej.Message = f.Error.Message
	}
	pc.done <- callResult{err: rej}
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending rejects every outstanding call and clears the table so no
// entry leaks across reconnects.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()
	for _, pc := range pending {
		pc.done <- callResult{err: err}
	}
}

// requestTimeoutError carries call detail while matching ErrRequestTimeout
// via errors.Is.
type requestTimeoutError struct {
	method  string
	timeout time.Duration
}

func (e *requestTimeoutError) Error() string {
	return "gateway: " + e.method + " timed out after " + e.timeout.String()
}

func (e *requestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }
