// Package sessions projects Gateway push events into a deduplicated
// session registry and the per-agent status derived from it.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/adam91holt/observatory/internal/protocol"
)

// Session is the resolved state of one chat session, created on first
// observation, merged on every later patch, and removed only by an
// explicit removal event.
type Session struct {
	Key         string
	SessionID   string
	AgentID     string
	Status      protocol.SessionStatus
	DisplayName string
	Channel     string
	ActiveRunID string
	LastError   string
	TokensIn    int64
	TokensOut   int64
	CostUSD     float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentStatus classifies an agent from its sessions plus presence.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// AgentInfo is derived on demand, never stored.
type AgentInfo struct {
	AgentID        string
	Status         AgentStatus
	ActiveSessions int
	LastSeen       time.Time
}

// Store holds the projected session set. Sequence-numbered updates apply
// only when their sequence exceeds the last applied one for that key;
// updates without a sequence always apply.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	lastSeq  map[string]uint64
	presence map[string]time.Time // agent id -> last seen

	now func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		lastSeq:  make(map[string]uint64),
		presence: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Upsert merges a patch into the session for key and reports whether it
// applied. Patches with an empty key never apply; stale sequences are
// dropped whole, never merged.
func (s *Store) Upsert(key string, patch protocol.SessionPatch, seq uint64) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > 0 && seq <= s.lastSeq[key] {
		return false
	}
	if seq > 0 {
		s.lastSeq[key] = seq
	}

	now := s.now()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{Key: key, Status: protocol.StatusIdle, CreatedAt: now}
		s.sessions[key] = sess
	}

	if patch.SessionID != "" {
		sess.SessionID = patch.SessionID
	}
	if patch.AgentID != "" {
		sess.AgentID = patch.AgentID
	}
	if patch.Status != "" {
		sess.Status = patch.Status
	}
	if patch.DisplayName != nil {
		sess.DisplayName = *patch.DisplayName
	}
	if patch.Channel != nil {
		sess.Channel = *patch.Channel
	}
	if patch.ActiveRunID != nil {
		sess.ActiveRunID = *patch.ActiveRunID
	}
	if patch.LastError != nil {
		sess.LastError = *patch.LastError
	}
	if patch.TokensIn != nil {
		sess.TokensIn = *patch.TokensIn
	}
	if patch.TokensOut != nil {
		sess.TokensOut = *patch.TokensOut
	}
	if patch.CostUSD != nil {
		sess.CostUSD = *patch.CostUSD
	}
	sess.UpdatedAt = now
	return true
}

// Remove deletes the session for key. The last-seen sequence is retained
// so a redelivered stale update cannot resurrect it.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// Get returns a copy of the session for key.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// All returns copies of every session, ordered by key.
func (s *Store) All() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ActiveCount counts sessions not in a terminal status.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			n++
		}
	}
	return n
}

// SetPresence replaces the presence set from the latest batch.
func (s *Store) SetPresence(entries []protocol.PresenceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = make(map[string]time.Time, len(entries))
	for _, e := range entries {
		seen := time.UnixMilli(e.LastSeen)
		if e.LastSeen == 0 {
			seen = s.now()
		}
		s.presence[e.AgentID] = seen
	}
}

// Agents re-derives per-agent status from the session set plus presence:
// busy with at least one running session, otherwise online when present in
// the latest presence batch, otherwise offline.
func (s *Store) Agents() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make(map[string]*AgentInfo)
	ensure := func(agentID string) *AgentInfo {
		info, ok := infos[agentID]
		if !ok {
			info = &AgentInfo{AgentID: agentID, Status: AgentOffline}
			infos[agentID] = info
		}
		return info
	}

	for id, seen := range s.presence {
		info := ensure(id)
		info.Status = AgentOnline
		info.LastSeen = seen
	}
	for _, sess := range s.sessions {
		if sess.AgentID == "" {
			continue
		}
		info := ensure(sess.AgentID)
		if !sess.Status.Terminal() {
			info.ActiveSessions++
		}
		if sess.Status == protocol.StatusRunning {
			info.Status = AgentBusy
		}
		if sess.UpdatedAt.After(info.LastSeen) {
			info.LastSeen = sess.UpdatedAt
		}
	}

	out := make([]AgentInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
