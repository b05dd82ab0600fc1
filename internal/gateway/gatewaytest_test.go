package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adam91holt/observatory/internal/protocol"
)

// fakeConn is one accepted Gateway-side connection with serialized writes.
type fakeConn struct {
	t  *testing.T
	c  *websocket.Conn
	mu sync.Mutex
}

func (fc *fakeConn) send(f *protocol.Frame) {
	fc.t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		fc.t.Fatalf("marshal frame: %v", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.c.WriteMessage(websocket.TextMessage, data)
}

func (fc *fakeConn) respondOK(id string, payload any) {
	raw, _ := json.Marshal(payload)
	fc.send(&protocol.Frame{Type: protocol.FrameResponse, ID: id, OK: true, Payload: raw})
}

func (fc *fakeConn) respondErr(id string, code int, msg string) {
	fc.send(&protocol.Frame{Type: protocol.FrameResponse, ID: id, OK: false,
		Error: &protocol.ErrorInfo{Code: code, Message: msg}})
}

func (fc *fakeConn) pushEvent(topic string, payload any, seq, stateVersion uint64) {
	raw, _ := json.Marshal(payload)
	fc.send(&protocol.Frame{Type: protocol.FrameEvent, Event: topic,
		Seq: seq, StateVersion: stateVersion, Payload: raw})
}

func (fc *fakeConn) close() { fc.c.Close() }

// fakeGateway is an in-process Gateway speaking the handshake and frame
// protocol over httptest.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	rejectHandshake bool
	helloType       string // overrides the hello reply type when set
	snapshot        protocol.Snapshot

	// onRequest handles post-handshake request frames; returning false
	// falls back to an empty OK response.
	onRequest func(fc *fakeConn, f *protocol.Frame) bool

	conns chan *fakeConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:     t,
		conns: make(chan *fakeConn, 8),
		snapshot: protocol.Snapshot{
			Presence: []protocol.PresenceEntry{{AgentID: "agent-1"}},
			Health:   protocol.Health{OK: true, Version: "1.0.0"},
			UptimeMs: 1234,
		},
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.serve(&fakeConn{t: t, c: conn})
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(fc *fakeConn) {
	defer fc.c.Close()
	for {
		_, raw, err := fc.c.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil || f.Type != protocol.FrameRequest {
			continue
		}
		if f.Method == protocol.MethodConnect {
			if g.rejectHandshake {
				fc.respondErr(f.ID, protocol.ErrCodeUnauthorized, "bad token")
				continue
			}
			helloType := protocol.HelloType
			if g.helloType != "" {
				helloType = g.helloType
			}
			fc.respondOK(f.ID, protocol.Hello{
				Type:     helloType,
				Protocol: protocol.MaxProtocol,
				Snapshot: g.snapshot,
				Policy:   protocol.Policy{MaxPayload: 1 << 20, TickIntervalMs: 2000},
			})
			select {
			case g.conns <- fc:
			default:
			}
			continue
		}
		if g.onRequest != nil && g.onRequest(fc, f) {
			continue
		}
		fc.respondOK(f.ID, map[string]any{})
	}
}

// newTestClient builds a client against the fake gateway with fast,
// deterministic reconnect settings.
func newTestClient(g *fakeGateway, opts ...func(*Options)) *Client {
	o := Options{
		URL:           g.url(),
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		MaxAttempts:   3,
	}
	for _, fn := range opts {
		fn(&o)
	}
	c := New(o)
	c.jitter = func() float64 { return 0 }
	return c
}
