package protocol

import (
	"encoding/json"
	"fmt"
)

// Push topics the client consumes. TopicWildcard matches every event.
const (
	TopicHealth         = "health"
	TopicPresence       = "presence"
	TopicAgent          = "agent"
	TopicSession        = "session"
	TopicSessionRemoved = "session.removed"
	TopicMessage        = "message"
	TopicModelUsage     = "model.usage"
	TopicWildcard       = "*"
)

// SessionStatus is the lifecycle state of one chat session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusError     SessionStatus = "error"
	StatusCompleted SessionStatus = "completed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status can no longer change on its own.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// SessionPatch is a partial session update pushed on the "session" topic
// (and returned in bulk by sessions.list). Nil fields are "no change".
type SessionPatch struct {
	Key         string         `json:"key"`
	SessionID   string         `json:"sessionId,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	Status      SessionStatus  `json:"status,omitempty"`
	DisplayName *string        `json:"displayName,omitempty"`
	Channel     *string        `json:"channel,omitempty"`
	ActiveRunID *string        `json:"activeRunId,omitempty"`
	LastError   *string        `json:"lastError,omitempty"`
	TokensIn    *int64         `json:"tokensIn,omitempty"`
	TokensOut   *int64         `json:"tokensOut,omitempty"`
	CostUSD     *float64       `json:"costUsd,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SessionRemoved announces explicit removal of a session.
type SessionRemoved struct {
	Key string `json:"key"`
}

// PresenceBatch replaces the known presence set.
type PresenceBatch struct {
	Entries []PresenceEntry `json:"entries"`
}

// AgentStream sub-types the "agent" topic.
type AgentStream string

const (
	StreamTool      AgentStream = "tool"
	StreamAssistant AgentStream = "assistant"
	StreamLifecycle AgentStream = "lifecycle"
)

// LifecyclePhase is the phase of a lifecycle agent event.
type LifecyclePhase string

const (
	PhaseStart LifecyclePhase = "start"
	PhaseEnd   LifecyclePhase = "end"
	PhaseError LifecyclePhase = "error"
)

// AgentEvent is pushed on the "agent" topic for every run activity.
// Which optional fields are set depends on Stream.
type AgentEvent struct {
	Stream     AgentStream    `json:"stream"`
	SessionKey string         `json:"sessionKey"`
	AgentID    string         `json:"agentId,omitempty"`
	RunID      string         `json:"runId,omitempty"`
	Phase      LifecyclePhase `json:"phase,omitempty"`   // lifecycle only
	Error      string         `json:"error,omitempty"`   // lifecycle error phase
	Summary    *RunSummary    `json:"summary,omitempty"` // lifecycle end phase
	Text       string         `json:"text,omitempty"`    // assistant only
	Tool       string         `json:"tool,omitempty"`    // tool only
}

// RunSummary is the token/cost accounting a lifecycle "end" may carry.
type RunSummary struct {
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
	Model     string  `json:"model,omitempty"`
}

// MessageEvent is pushed on the "message" topic for every chat message
// crossing the Gateway. ID is the dedup key.
type MessageEvent struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey,omitempty"`
	Direction  string `json:"direction"` // "inbound" | "outbound"
	Text       string `json:"text,omitempty"`
	TimeMs     int64  `json:"timeMs,omitempty"`
}

// ModelUsageEvent is pushed on the "model.usage" topic per billed call.
type ModelUsageEvent struct {
	ID        string  `json:"id"`
	Model     string  `json:"model"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// DecodeEvent parses a push payload into the typed value for its topic so
// downstream consumers never do dynamic field lookups. Unknown topics
// return the raw payload unchanged.
func DecodeEvent(topic string, payload json.RawMessage) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("decode %q event: %w", topic, err)
		}
		return v, nil
	}

	switch topic {
	case TopicHealth:
		return decode(&Health{})
	case TopicPresence:
		return decode(&PresenceBatch{})
	case TopicAgent:
		return decode(&AgentEvent{})
	case TopicSession:
		return decode(&SessionPatch{})
	case TopicSessionRemoved:
		return decode(&SessionRemoved{})
	case TopicMessage:
		return decode(&MessageEvent{})
	case TopicModelUsage:
		return decode(&ModelUsageEvent{})
	default:
		return payload, nil
	}
}
