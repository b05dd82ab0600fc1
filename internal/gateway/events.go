package gateway

import (
	"encoding/json"

	"github.com/adam91holt/observatory/internal/protocol"
)

// Event is delivered to topic subscribers. Payload holds the typed value
// for known topics (see protocol.DecodeEvent); Raw always holds the wire
// payload. Wildcard subscribers receive the same envelope, with Topic set.
type Event struct {
	Topic        string
	Seq          uint64
	StateVersion uint64
	Payload      any
	Raw          json.RawMessage
}

// EventHandler consumes push events. Handlers for one topic run in
// registration order; a panicking handler does not block the rest.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	topic   string
	handler EventHandler
}

// On subscribes a handler to a topic ("*" for every event) and returns its
// unsubscribe function.
func (c *Client) On(topic string, handler EventHandler) (unsubscribe func()) {
	c.subsMu.Lock()
	c.nextSub++
	sub := &subscription{id: c.nextSub, topic: topic, handler: handler}
	c.subs[topic] = append(c.subs[topic], sub)
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		list := c.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				c.subs[topic] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[topic]) == 0 {
			delete(c.subs, topic)
		}
	}
}

// Off removes every handler registered for a topic.
func (c *Client) Off(topic string) {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()
}

// dispatchEvent routes one event frame: stream payloads go to the stream
// demux exclusively, everything else to the snapshot patcher and the
// per-topic and wildcard subscribers.
func (c *Client) dispatchEvent(f *protocol.Frame) {
	if c.routeStream(f.Payload) {
		return
	}

	payload, err := protocol.DecodeEvent(f.Event, f.Payload)
	if err != nil {
		c.log.Warn("dropping undecodable event", "topic", f.Event, "error", err)
		return
	}

	c.patchSnapshot(f, payload)

	ev := Event{
		Topic:        f.Event,
		Seq:          f.Seq,
		StateVersion: f.StateVersion,
		Payload:      payload,
		Raw:          f.Payload,
	}

	c.subsMu.Lock()
	handlers := make([]EventHandler, 0, 4)
	for _, s := range c.subs[f.Event] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range c.subs[protocol.TopicWildcard] {
		handlers = append(handlers, s.handler)
	}
	c.subsMu.Unlock()

	for _, h := range handlers {
		c.deliver(h, ev)
	}
}

// deliver invokes one handler, containing panics so one bad subscriber
// cannot stop delivery to the rest.
func (c *Client) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "topic", ev.Topic, "panic", r)
		}
	}()
	h(ev)
}

// patchSnapshot applies health/presence events to the handshake snapshot:
// shallow field replace, guarded by stateVersion when one is present.
// Unversioned events overwrite unconditionally; the Gateway delivers them
// in order on the single socket.
func (c *Client) patchSnapshot(f *protocol.Frame, payload any) {
	switch f.Event {
	case protocol.TopicHealth:
		h, ok := payload.(*protocol.Health)
		if !ok {
			return
		}
		c.mu.Lock()
		if f.StateVersion == 0 || f.StateVersion > c.snapshot.StateVersion.Health {
			c.snapshot.Health = *h
			if f.StateVersion > 0 {
				c.snapshot.StateVersion.Health = f.StateVersion
			}
		}
		c.mu.Unlock()
	case protocol.TopicPresence:
		p, ok := payload.(*protocol.PresenceBatch)
		if !ok {
			return
		}
		c.mu.Lock()
		if f.StateVersion == 0 || f.StateVersion > c.snapshot.StateVersion.Presence {
			c.snapshot.Presence = append([]protocol.PresenceEntry(nil), p.Entries...)
			if f.StateVersion > 0 {
				c.snapshot.StateVersion.Presence = f.StateVersion
			}
		}
		c.mu.Unlock()
	}
}
