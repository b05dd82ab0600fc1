package protocol

import "encoding/json"

// RPC methods the client consumes.
const (
	MethodHealth         = "health"
	MethodSystemPresence = "system-presence"
	MethodSessionsList   = "sessions.list"
	MethodChatHistory    = "chat.history"
	MethodChatSend       = "chat.send"
	MethodChatAbort      = "chat.abort"
	MethodLogsTail       = "logs.tail"
	MethodStatus         = "status" // keep-alive no-op
)

// SessionsListResult is the payload of a sessions.list response.
type SessionsListResult struct {
	Sessions []SessionPatch `json:"sessions"`
}

// ChatSendParams starts (or continues) a chat run. IdempotencyKey is
// required by the Gateway so redelivered sends apply once.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatHistoryParams pages through a session transcript.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
	Before     string `json:"before,omitempty"`
}

// ChatHistoryResult is the payload of a chat.history response.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is one transcript entry returned by chat.history.
type ChatMessage struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
	TimeMs int64  `json:"timeMs,omitempty"`
}

// ChatAbortParams aborts the active run of a session.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// LogsTailParams opens a server-push log-line stream.
type LogsTailParams struct {
	Lines  int    `json:"lines,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// LogLine is one chunk of a logs.tail stream.
type LogLine struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	TimeMs  int64  `json:"timeMs,omitempty"`
}

// StreamEnvelope is the routing wrapper present on every chunked RPC
// payload. End and Err are truthy sentinels, not fixed types.
type StreamEnvelope struct {
	StreamID string          `json:"_streamId"`
	End      json.RawMessage `json:"_streamEnd,omitempty"`
	Err      json.RawMessage `json:"_streamError,omitempty"`
}

// ErrorMessage extracts a readable message from a stream error sentinel.
func (e StreamEnvelope) ErrorMessage() string {
	var s string
	if json.Unmarshal(e.Err, &s) == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Err, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return "stream error"
}
