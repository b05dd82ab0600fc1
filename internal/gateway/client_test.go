package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adam91holt/observatory/internal/protocol"
)

func TestDialHandshake(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(g)
	defer c.Close()

	snap, err := c.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if len(snap.Presence) != 1 || snap.Presence[0].AgentID != "agent-1" {
		t.Errorf("snapshot presence = %+v, want agent-1", snap.Presence)
	}
	if !snap.Health.OK {
		t.Error("snapshot health not OK")
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if p := c.Policy(); p.MaxPayload != 1<<20 {
		t.Errorf("policy MaxPayload = %d, want %d", p.MaxPayload, 1<<20)
	}
}

func TestDialHandshakeRejected(t *testing.T) {
	g := newFakeGateway(t)
	g.rejectHandshake = true
	c := newTestClient(g)
	defer c.Close()

	_, err := c.Dial(context.Background())
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Dial error = %v, want HandshakeError", err)
	}
	if he.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %d, want %d", he.Code, protocol.ErrCodeUnauthorized)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after failed dial = %v, want disconnected", got)
	}
}

func TestDialBadHelloType(t *testing.T) {
	g := newFakeGateway(t)
	g.helloType = "hello-nope"
	c := newTestClient(g)
	defer c.Close()

	_, err := c.Dial(context.Background())
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Dial error = %v, want HandshakeError", err)
	}
}

func TestConcurrentCallsResolveByID(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		if f.Method != "echo" {
			return false
		}
		var params struct {
			N int `json:"n"`
		}
		mustUnmarshal(t, f.Params, &params)
		// Answer from a goroutine so responses interleave arbitrarily.
		go fc.respondOK(f.ID, map[string]int{"n": params.N})
		return true
	}
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	const calls = 32
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload, err := c.Call(context.Background(), "echo", map[string]int{"n": n})
			if err != nil {
				errs <- err
				return
			}
			var out struct {
				N int `json:"n"`
			}
			mustUnmarshal(t, payload, &out)
			if out.N != n {
				errs <- fmt.Errorf("call %d got reply for %d", n, out.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	c.pendingMu.Lock()
	leaked := len(c.pending)
	c.pendingMu.Unlock()
	if leaked != 0 {
		t.Errorf("%d pending entries leaked", leaked)
	}
}

func TestUnknownResponseIgnored(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := <-g.conns

	// Response for an id nobody asked for must be dropped silently.
	fc.respondOK("no-such-id", map[string]any{})

	// The connection must still work afterwards.
	if _, err := c.Call(context.Background(), protocol.MethodStatus, nil); err != nil {
		t.Fatalf("Call after stray response: %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		return f.Method == "slow" // swallow, never answer
	}
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	start := time.Now()
	_, err := c.CallTimeout(context.Background(), "slow", nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, want >= 100ms", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("timed out after %v, want well under 500ms", elapsed)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("timeout changed connection state to %v", got)
	}
}

func TestLateResponseAfterTimeoutIgnored(t *testing.T) {
	g := newFakeGateway(t)
	replies := make(chan struct {
		fc *fakeConn
		id string
	}, 1)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		if f.Method != "slow" {
			return false
		}
		replies <- struct {
			fc *fakeConn
			id string
		}{fc, f.ID}
		return true
	}
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_, err := c.CallTimeout(context.Background(), "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}

	// Deliver the reply after its call already expired.
	r := <-replies
	r.fc.respondOK(r.id, map[string]any{})

	// The connection stays healthy.
	if _, err := c.Call(context.Background(), protocol.MethodStatus, nil); err != nil {
		t.Fatalf("Call after late response: %v", err)
	}
}

func TestRequestRejected(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		if f.Method != protocol.MethodChatSend {
			return false
		}
		fc.respondErr(f.ID, protocol.ErrCodeInvalidParams, "missing idempotencyKey")
		return true
	}
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_, err := c.Call(context.Background(), protocol.MethodChatSend, map[string]string{})
	var rej *RequestRejected
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want RequestRejected", err)
	}
	if rej.Code != protocol.ErrCodeInvalidParams || rej.Message != "missing idempotencyKey" {
		t.Errorf("rejection = %+v", rej)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("application error changed connection state to %v", got)
	}
}

func TestCloseRejectsAllPending(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		return f.Method == "slow"
	}
	c := newTestClient(g)
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	const n = 5
	errs := make(chan error, n)
	var started sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		go func() {
			started.Done()
			_, err := c.CallTimeout(context.Background(), "slow", nil, time.Minute)
			errs <- err
		}()
	}
	started.Wait()
	// Let the calls register before tearing down.
	waitFor(t, func() bool {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		return len(c.pending) == n
	})

	c.Close()

	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending call error = %v, want ErrConnectionClosed", err)
		}
	}
	c.pendingMu.Lock()
	leaked := len(c.pending)
	c.pendingMu.Unlock()
	if leaked != 0 {
		t.Errorf("%d pending entries survive Close", leaked)
	}
}

func TestCloseIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(g)
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after Close = %v, want disconnected", got)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(g)
	defer c.Close()

	states := make(chan StateChange, 16)
	c.OnStateChange(func(sc StateChange) { states <- sc })

	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := <-g.conns
	// Drain the initial dial's transitions so the loop below observes
	// only the reconnect's.
	awaitState(t, states, StateConnected)

	fc.close() // unintentional loss

	sawConnecting, sawConnected := false, false
	deadline := time.After(2 * time.Second)
	for !sawConnected {
		select {
		case sc := <-states:
			switch sc.State {
			case StateConnecting:
				sawConnecting = true
			case StateConnected:
				sawConnected = true
			case StateError:
				t.Fatalf("unexpected error state: %v", sc.Err)
			}
		case <-deadline:
			t.Fatal("client did not reconnect")
		}
	}
	if !sawConnecting {
		t.Error("no connecting transition observed before reconnect")
	}

	// The connected transition is published after the new socket is
	// installed, so calls work from here.
	<-g.conns
	if _, err := c.Call(context.Background(), protocol.MethodStatus, nil); err != nil {
		t.Fatalf("Call after reconnect: %v", err)
	}

	// The backoff attempt counter resets after one successful handshake.
	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	if attempt != 0 {
		t.Errorf("attempt counter = %d after successful reconnect, want 0", attempt)
	}
}

func TestReconnectExhaustionEntersErrorState(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(g)
	defer c.Close()

	states := make(chan StateChange, 32)
	c.OnStateChange(func(sc StateChange) { states <- sc })

	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := <-g.conns

	// Kill the server so every reconnect attempt fails.
	g.srv.Close()
	fc.close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case sc := <-states:
			if sc.State == StateError {
				if sc.Err == nil {
					t.Error("error state without cause")
				}
				return
			}
		case <-deadline:
			t.Fatal("client never exhausted its reconnect budget")
		}
	}
}

func TestCloseDuringReconnectDialNotResurrected(t *testing.T) {
	g := newFakeGateway(t)

	// Gate every dial after the first so Close can race the reconnect.
	var dials int32
	dialing := make(chan struct{}, 1)
	release := make(chan struct{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if atomic.AddInt32(&dials, 1) > 1 {
				select {
				case dialing <- struct{}{}:
				default:
				}
				<-release
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	c := newTestClient(g, func(o *Options) { o.Dialer = dialer })

	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := <-g.conns

	fc.close() // start the reconnect loop
	<-dialing  // reconnect dial in flight

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	// The stray dial still completes its server-side handshake; the
	// client must discard the socket instead of installing it.
	<-g.conns
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		conn, state := c.conn, c.state
		c.mu.Unlock()
		if conn != nil || state == StateConnected {
			t.Fatalf("closed client resurrected: state=%v", state)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnectionLossRejectsPending(t *testing.T) {
	g := newFakeGateway(t)
	g.onRequest = func(fc *fakeConn, f *protocol.Frame) bool {
		return f.Method == "slow"
	}
	c := newTestClient(g)
	defer c.Close()
	if _, err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fc := <-g.conns

	done := make(chan error, 1)
	go func() {
		_, err := c.CallTimeout(context.Background(), "slow", nil, time.Minute)
		done <- err
	}()
	waitFor(t, func() bool {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		return len(c.pending) == 1
	})

	fc.close()

	if err := <-done; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("pending call error = %v, want ErrConnectionClosed", err)
	}
}

// awaitState consumes transitions until want arrives.
func awaitState(t *testing.T, states <-chan StateChange, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc := <-states:
			if sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed state %v", want)
		}
	}
}

// waitFor polls cond until it holds or the test deadline approaches.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func mustUnmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
