package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adam91holt/observatory/internal/gateway"
	"github.com/adam91holt/observatory/internal/protocol"
)

// Recorder receives the token/cost accounting carried on lifecycle "end"
// events. The metrics aggregator satisfies it.
type Recorder interface {
	RecordTokens(in, out int64, eventID string)
	RecordCost(costUSD float64, model, eventID string)
}

// Projector subscribes a gateway client to the session-affecting topics
// and applies them to a Store. Lifecycle summaries forward to the Recorder
// under a derived idempotency key so redelivery cannot double-count.
type Projector struct {
	store    *Store
	recorder Recorder
	log      *slog.Logger

	mu       sync.Mutex
	unsubs   []func()
	onChange func()
}

// NewProjector creates a projector over store. recorder may be nil when no
// metrics sink is wired.
func NewProjector(store *Store, recorder Recorder, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{store: store, recorder: recorder, log: log.With("component", "sessions")}
}

// OnChange registers a callback fired after every applied mutation. Must
// be set before Bind.
func (p *Projector) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Caller issues Gateway RPC calls. *gateway.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Seed bulk-loads the current session list so the registry is complete
// immediately after connecting instead of filling in push by push.
func (p *Projector) Seed(ctx context.Context, c Caller) error {
	payload, err := c.Call(ctx, protocol.MethodSessionsList, nil)
	if err != nil {
		return err
	}
	var res protocol.SessionsListResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return fmt.Errorf("decode sessions.list: %w", err)
	}
	applied := false
	for _, patch := range res.Sessions {
		if p.store.Upsert(patch.Key, patch, 0) {
			applied = true
		}
	}
	if applied {
		p.notify()
	}
	return nil
}

// Bind subscribes to session, session.removed, agent and presence topics.
func (p *Projector) Bind(c *gateway.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubs = append(p.unsubs,
		c.On(protocol.TopicSession, p.handleSession),
		c.On(protocol.TopicSessionRemoved, p.handleRemoved),
		c.On(protocol.TopicAgent, p.handleAgent),
		c.On(protocol.TopicPresence, p.handlePresence),
	)
}

// Unbind removes every subscription installed by Bind.
func (p *Projector) Unbind() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (p *Projector) notify() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Projector) handleSession(ev gateway.Event) {
	patch, ok := ev.Payload.(*protocol.SessionPatch)
	if !ok {
		return
	}
	if p.store.Upsert(patch.Key, *patch, ev.Seq) {
		p.notify()
	} else if ev.Seq > 0 {
		p.log.Debug("dropped stale session update", "key", patch.Key, "seq", ev.Seq)
	}
}

func (p *Projector) handleRemoved(ev gateway.Event) {
	rm, ok := ev.Payload.(*protocol.SessionRemoved)
	if !ok || rm.Key == "" {
		return
	}
	p.store.Remove(rm.Key)
	p.notify()
}

func (p *Projector) handlePresence(ev gateway.Event) {
	batch, ok := ev.Payload.(*protocol.PresenceBatch)
	if !ok {
		return
	}
	p.store.SetPresence(batch.Entries)
	p.notify()
}

// handleAgent maps lifecycle phases onto session status: start→running,
// end→idle, error→error. Tool and assistant streams are presentation
// concerns and pass through untouched.
func (p *Projector) handleAgent(ev gateway.Event) {
	ae, ok := ev.Payload.(*protocol.AgentEvent)
	if !ok || ae.Stream != protocol.StreamLifecycle || ae.SessionKey == "" {
		return
	}

	patch := protocol.SessionPatch{Key: ae.SessionKey, AgentID: ae.AgentID}
	switch ae.Phase {
	case protocol.PhaseStart:
		patch.Status = protocol.StatusRunning
		patch.ActiveRunID = &ae.RunID
	case protocol.PhaseEnd:
		patch.Status = protocol.StatusIdle
		empty := ""
		patch.ActiveRunID = &empty
	case protocol.PhaseError:
		patch.Status = protocol.StatusError
		patch.LastError = &ae.Error
		empty := ""
		patch.ActiveRunID = &empty
	default:
		return
	}

	// Lifecycle events carry no per-key sequence; they always apply.
	if p.store.Upsert(ae.SessionKey, patch, 0) {
		p.notify()
	}

	if ae.Phase == protocol.PhaseEnd && ae.Summary != nil && p.recorder != nil {
		s := ae.Summary
		p.recorder.RecordTokens(s.TokensIn, s.TokensOut, "lifecycle-end-"+ae.RunID+"-tokens")
		p.recorder.RecordCost(s.CostUSD, s.Model, "lifecycle-end-"+ae.RunID+"-cost")
	}
}
