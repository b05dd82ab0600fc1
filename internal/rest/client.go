// Package rest is a thin typed client for the Gateway's read-only HTTP
// API: agents, channels, sessions, transcripts, run hierarchy and
// aggregate stats. It consumes the API; it never reimplements it.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/adam91holt/observatory/internal/protocol"
)

// Client makes REST calls to the Gateway read API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client targeting the given base URL
// (e.g. "http://127.0.0.1:18789").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Agent is one registered agent as reported by the read API.
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Host     string `json:"host,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Channel is one configured message channel.
type Channel struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
}

// TranscriptEntry is one message in a session transcript.
type TranscriptEntry struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	TimeMs    int64  `json:"timeMs,omitempty"`
	RunID     string `json:"runId,omitempty"`
	TokensIn  int64  `json:"tokensIn,omitempty"`
	TokensOut int64  `json:"tokensOut,omitempty"`
}

// Run is one node of a session's run hierarchy.
type Run struct {
	ID        string  `json:"id"`
	ParentID  string  `json:"parentId,omitempty"`
	Status    string  `json:"status"`
	StartedMs int64   `json:"startedMs,omitempty"`
	EndedMs   int64   `json:"endedMs,omitempty"`
	TokensIn  int64   `json:"tokensIn,omitempty"`
	TokensOut int64   `json:"tokensOut,omitempty"`
	CostUSD   float64 `json:"costUsd,omitempty"`
}

// Stats is the Gateway's aggregate usage summary.
type Stats struct {
	Sessions  int     `json:"sessions"`
	Agents    int     `json:"agents"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// Agents fetches /api/agents.
func (c *Client) Agents() ([]Agent, error) {
	var out []Agent
	if err := c.get("/api/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Channels fetches /api/channels.
func (c *Client) Channels() ([]Channel, error) {
	var out []Channel
	if err := c.get("/api/channels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions fetches /api/sessions.
func (c *Client) Sessions() ([]protocol.SessionPatch, error) {
	var out []protocol.SessionPatch
	if err := c.get("/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transcript fetches /api/sessions/{key}/transcript.
func (c *Client) Transcript(sessionKey string) ([]TranscriptEntry, error) {
	var out []TranscriptEntry
	if err := c.get("/api/sessions/"+url.PathEscape(sessionKey)+"/transcript", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs fetches /api/sessions/{key}/runs.
func (c *Client) Runs(sessionKey string) ([]Run, error) {
	var out []Run
	if err := c.get("/api/sessions/"+url.PathEscape(sessionKey)+"/runs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches /api/stats.
func (c *Client) Stats() (*Stats, error) {
	var s Stats
	if err := c.get("/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
