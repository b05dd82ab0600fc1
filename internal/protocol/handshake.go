package protocol

// Protocol versions this client can speak.
const (
	MinProtocol = 1
	MaxProtocol = 1
)

// MethodConnect is the handshake request sent immediately after the socket
// opens. Every other method is rejected until it succeeds.
const MethodConnect = "connect"

// HelloType is the only accepted handshake reply type.
const HelloType = "hello-ok"

// ConnectParams is the handshake payload.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        *Auth      `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client to the Gateway.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// Auth carries an opaque credential. The client never validates it.
type Auth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Hello is the handshake reply. Any Type other than HelloType is a
// handshake failure.
type Hello struct {
	Type     string   `json:"type"`
	Protocol int      `json:"protocol"`
	Snapshot Snapshot `json:"snapshot"`
	Policy   Policy   `json:"policy"`
}

// Policy is the server-dictated connection policy.
type Policy struct {
	MaxPayload     int `json:"maxPayload"`
	TickIntervalMs int `json:"tickIntervalMs"`
}

// Snapshot is the point-in-time health/presence bundle established at
// handshake and patched per-field by matching events afterwards.
type Snapshot struct {
	Presence     []PresenceEntry `json:"presence"`
	Health       Health          `json:"health"`
	StateVersion StateVersions   `json:"stateVersion"`
	UptimeMs     int64           `json:"uptimeMs"`
}

// StateVersions tracks the last-applied version per patched Snapshot field.
type StateVersions struct {
	Presence uint64 `json:"presence"`
	Health   uint64 `json:"health"`
}

// PresenceEntry describes one agent the Gateway currently sees.
type PresenceEntry struct {
	AgentID  string `json:"agentId"`
	Host     string `json:"host,omitempty"`
	Version  string `json:"version,omitempty"`
	Mode     string `json:"mode,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix millis
}

// Health is the Gateway's self-reported health.
type Health struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
}
