package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adam91holt/observatory/internal/protocol"
)

// StreamHandlers receive chunked RPC results. OnChunk is required; OnEnd
// and OnError are optional.
type StreamHandlers struct {
	OnChunk func(json.RawMessage)
	OnEnd   func()
	OnError func(error)
}

// Stream is one open chunked-RPC subscription.
type Stream struct {
	ID string

	c         *Client
	handlers  StreamHandlers
	delivered bool // at least one chunk arrived; guarded by c.streamsMu
}

// Unsubscribe removes the stream without firing its callbacks. Later
// payloads for its id are dropped.
func (s *Stream) Unsubscribe() {
	s.c.streamsMu.Lock()
	delete(s.c.streams, s.ID)
	s.c.streamsMu.Unlock()
}

// OpenStream fires an RPC whose results arrive as chunked event payloads
// tagged with a stream id. params may be nil, a map, or any
// JSON-marshalable struct; the stream id is injected alongside its fields.
// Chunk delivery is not gated on the RPC settlement; the call result only
// surfaces setup failures (via OnError). Once a chunk has arrived the
// setup call can no longer terminate the stream.
func (c *Client) OpenStream(ctx context.Context, method string, params any, h StreamHandlers) (*Stream, error) {
	if h.OnChunk == nil {
		return nil, errors.New("gateway: OpenStream requires OnChunk")
	}

	obj := make(map[string]any)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("gateway: stream params must be a JSON object: %w", err)
		}
	}

	s := &Stream{ID: newID(), c: c, handlers: h}
	obj["_streamId"] = s.ID

	c.streamsMu.Lock()
	c.streams[s.ID] = s
	c.streamsMu.Unlock()

	go func() {
		if _, err := c.Call(ctx, method, obj); err != nil {
			c.streamsMu.Lock()
			live, open := c.streams[s.ID]
			if open && live.delivered {
				// Chunks already flowed, so setup succeeded; the stream
				// is governed by its terminal sentinels from here on.
				c.streamsMu.Unlock()
				return
			}
			delete(c.streams, s.ID)
			c.streamsMu.Unlock()
			if open && h.OnError != nil {
				h.OnError(err)
			}
		}
	}()

	return s, nil
}

// routeStream delivers a stream-tagged event payload to its stream and
// reports whether the payload was claimed. Terminal sentinels remove the
// stream; payloads for unknown (or already-terminated) ids are dropped.
func (c *Client) routeStream(payload json.RawMessage) bool {
	var env protocol.StreamEnvelope
	if json.Unmarshal(payload, &env) != nil || env.StreamID == "" {
		return false
	}

	c.streamsMu.Lock()
	s, ok := c.streams[env.StreamID]
	terminal := protocol.Truthy(env.End) || protocol.Truthy(env.Err)
	if ok {
		if terminal {
			delete(c.streams, env.StreamID)
		} else {
			s.delivered = true
		}
	}
	c.streamsMu.Unlock()
	if !ok {
		return true // tagged but unknown: drop, never topic-dispatch
	}

	switch {
	case protocol.Truthy(env.Err):
		if s.handlers.OnError != nil {
			s.handlers.OnError(errors.New(env.ErrorMessage()))
		}
	case protocol.Truthy(env.End):
		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	default:
		s.handlers.OnChunk(payload)
	}
	return true
}

// failStreams terminates every open stream with err and clears the table.
// Used on connection loss and intentional close.
func (c *Client) failStreams(err error) {
	c.streamsMu.Lock()
	streams := c.streams
	c.streams = make(map[string]*Stream)
	c.streamsMu.Unlock()
	for _, s := range streams {
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	}
}
