// Package gateway implements the client side of the Gateway control-plane
// connection: one persistent WebSocket multiplexing RPC calls, push events
// and chunked streams, with handshake, keep-alive and reconnect backoff.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adam91holt/observatory/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateError:        "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

const (
	defaultRequestTimeout    = 15 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultMaxAttempts       = 8
	writeTimeout             = 10 * time.Second
)

// Options configures a Client. Zero durations take package defaults.
type Options struct {
	URL      string
	Token    string
	Password string
	Role     string
	Scopes   []string
	Client   protocol.ClientInfo

	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.KeepaliveInterval <= 0 {
		out.KeepaliveInterval = defaultKeepaliveInterval
	}
	if out.ReconnectBase <= 0 {
		out.ReconnectBase = defaultReconnectBase
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = defaultReconnectMax
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	if out.Role == "" {
		out.Role = "ui"
	}
	return out
}

// StateChange is delivered to state observers. Err is set when the
// transition was caused by a failure.
type StateChange struct {
	State State
	Err   error
}

// Client owns one logical Gateway connection. All other components reach
// the socket only through Call, On and OpenStream; the socket itself is
// never shared.
type Client struct {
	opts   Options
	log    *slog.Logger
	jitter func() float64

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	gen      uint64 // connection generation; stale read loops bail out
	attempt  int    // consecutive failed handshakes
	closed   bool   // Close was called; suppress reconnect
	snapshot protocol.Snapshot
	policy   protocol.Policy

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu  sync.Mutex
	subs    map[string][]*subscription
	nextSub uint64

	streamsMu sync.Mutex
	streams   map[string]*Stream

	stateSubs []func(StateChange)
}

// New creates a disconnected client. Call Dial to connect.
func New(opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		opts:    o,
		log:     o.Logger.With("component", "gateway"),
		jitter:  defaultJitter,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string][]*subscription),
		streams: make(map[string]*Stream),
	}
}

// OnStateChange registers an observer for connection-state transitions so
// callers can surface connectivity. Must be called before Dial.
func (c *Client) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the last handshake snapshot, as patched by
// health/presence events since.
func (c *Client) Snapshot() protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshot
	snap.Presence = append([]protocol.PresenceEntry(nil), c.snapshot.Presence...)
	return snap
}

// Policy returns the server-dictated connection policy from the last
// successful handshake.
func (c *Client) Policy() protocol.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Dial opens the socket and performs the handshake, returning the initial
// snapshot. A failed Dial leaves the client disconnected; once Dial has
// succeeded the client reconnects on its own until the retry budget is
// exhausted. Dial also recovers a client parked in the error state.
func (c *Client) Dial(ctx context.Context) (protocol.Snapshot, error) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return protocol.Snapshot{}, fmt.Errorf("gateway: already %s", c.state)
	}
	c.closed = false
	c.mu.Unlock()
	c.setState(StateConnecting, nil)

	snap, err := c.connectOnce(ctx)
	if err != nil {
		c.setState(StateDisconnected, err)
		return protocol.Snapshot{}, err
	}
	return snap, nil
}

// connectOnce performs one dial+handshake. On success it installs the
// connection and starts the read and keep-alive loops.
func (c *Client) connectOnce(ctx context.Context) (protocol.Snapshot, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.bumpAttempt()
		return protocol.Snapshot{}, &SocketError{Op: "dial", Err: err}
	}

	hello, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		c.bumpAttempt()
		return protocol.Snapshot{}, err
	}

	c.mu.Lock()
	if c.closed {
		// Close raced the dial; the fresh socket must not outlive it.
		c.mu.Unlock()
		conn.Close()
		return protocol.Snapshot{}, ErrConnectionClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0 // budget resets only on successful handshake
	c.snapshot = hello.Snapshot
	c.policy = hello.Policy
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	go c.readLoop(conn, gen)
	go c.keepaliveLoop(conn, gen)
	return hello.Snapshot, nil
}

// handshake sends the connect request on the raw socket and waits for the
// matching hello-ok response. Frames for other ids are dropped; nothing
// else is legal before the handshake settles.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*protocol.Hello, error) {
	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client:      c.opts.Client,
		Role:        c.opts.Role,
		Scopes:      c.opts.Scopes,
	}
	if c.opts.Token != "" || c.opts.Password != "" {
		params.Auth = &protocol.Auth{Token: c.opts.Token, Password: c.opts.Password}
	}

	id := newID()
	frame, err := protocol.NewRequest(id, protocol.MethodConnect, params)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, &SocketError{Op: "handshake write", Err: err}
	}

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, &SocketError{Op: "handshake read", Err: err}
		}
		f, err := protocol.Decode(raw)
		if err != nil || f.Type != protocol.FrameResponse || f.ID != id {
			continue
		}
		if !f.OK {
			he := &HandshakeError{Reason: "connect rejected"}
			if f.Error != nil {
				he.Reason = f.Error.Message
				he.Code = f.Error.Code
			}
			return nil, he
		}
		var hello protocol.Hello
		if err := json.Unmarshal(f.Payload, &hello); err != nil {
			return nil, &HandshakeError{Reason: "malformed hello payload"}
		}
		if hello.Type != protocol.HelloType {
			return nil, &HandshakeError{Reason: fmt.Sprintf("unexpected hello type %q", hello.Type)}
		}
		return &hello, nil
	}
}

// Close is idempotent: it marks the close intentional, tears the socket
// down and rejects everything in flight with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.failPending(ErrConnectionClosed)
	c.failStreams(ErrConnectionClosed)
	c.setState(StateDisconnected, nil)
	return nil
}

// readLoop pumps frames off one connection until it dies, then hands off
// to the reconnect loop unless the close was intentional.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onConnLost(conn, gen, err)
			return
		}
		frame, derr := protocol.Decode(raw)
		if derr != nil {
			c.log.Warn("dropping malformed frame", "error", derr)
			continue
		}
		switch frame.Type {
		case protocol.FrameResponse:
			c.resolvePending(frame)
		case protocol.FrameEvent:
			c.dispatchEvent(frame)
		default:
			// The Gateway never sends requests to clients.
		}
	}
}

// onConnLost tears down state for a dead connection and starts the
// reconnect loop when the loss was unintentional.
func (c *Client) onConnLost(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	intentional := c.closed
	c.mu.Unlock()
	conn.Close()

	c.failPending(ErrConnectionClosed)
	c.failStreams(ErrConnectionClosed)

	if intentional {
		return
	}
	c.log.Warn("connection lost", "error", cause)
	c.setState(StateConnecting, &SocketError{Op: "read", Err: cause})
	go c.reconnectLoop()
}

// reconnectLoop re-dials with exponential backoff. The attempt counter
// carries across calls and only resets on a successful handshake; draining
// the budget parks the client in the error state until an explicit Dial.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		attempt := c.attempt + 1
		c.mu.Unlock()

		if attempt > c.opts.MaxAttempts {
			c.setState(StateError, fmt.Errorf("gateway: %d reconnect attempts exhausted", c.opts.MaxAttempts))
			return
		}

		delay := backoffDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax, c.jitter)
		c.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if _, err := c.connectOnce(context.Background()); err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

func (c *Client) bumpAttempt() {
	c.mu.Lock()
	c.attempt++
	c.mu.Unlock()
}

// setState publishes a transition to every state observer.
func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := append([]func(StateChange){}, c.stateSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(StateChange{State: s, Err: err})
	}
}

// write serializes one frame onto the current socket. The write mutex is
// the only thing allowed to touch the socket for writes.
func (c *Client) write(frame *protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SocketError{Op: "write", Err: err}
	}
	return nil
}

// keepaliveLoop issues a periodic no-op status call so a silently dead
// connection is noticed. A failed keep-alive force-closes the socket,
// which the read loop observes as a connection loss.
func (c *Client) keepaliveLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		_, err := c.Call(ctx, protocol.MethodStatus, nil)
		cancel()
		if err != nil {
			c.log.Warn("keep-alive failed, forcing reconnect", "error", err)
			conn.Close()
			return
		}
	}
}
