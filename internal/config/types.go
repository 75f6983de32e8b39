package config

// Config is the navrelay configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Peer     PeerConfig     `json:"peer"`
	Outbound OutboundConfig `json:"outbound"`
	Journal  *JournalConfig `json:"journal,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PeerConfig selects the wearable peer and how to reach it.
//
// Example:
//
//	"peer": { "url": "ws://127.0.0.1:9797/peer", "app_id": "7b99db93-2503-4d6e-a503-67353132a90c" }
type PeerConfig struct {
	// URL of the peer websocket endpoint. Required.
	URL string `json:"url"`
	// AppID of the companion app. Empty uses the built-in id.
	AppID string `json:"app_id,omitempty"`

	DialTimeout  string `json:"dial_timeout,omitempty"`  // default: "5s"
	WriteTimeout string `json:"write_timeout,omitempty"` // default: "5s"

	// Reconnect backoff bounds. Defaults: "500ms" and "30s".
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

// OutboundConfig tunes the delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - ack_timeout: "10s" ("0s" disables the timeout)
//   - send_timeout: "5s"
//   - retry_rate_per_sec: 4
//   - max_attempts: 0 (retry forever)
//   - max_queue: 0 (unbounded)
//   - trust_order: false (acks must carry the outstanding transaction id)
type OutboundConfig struct {
	AckTimeout      string `json:"ack_timeout,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	RetryRatePerSec int    `json:"retry_rate_per_sec,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
	TrustOrder      bool   `json:"trust_order,omitempty"`
}

// JournalConfig controls the optional delivery journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./navrelay.db" }
//	"journal": { "driver": "redis", "addr": "127.0.0.1:6379", "max_entries": 5000 }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr       string `json:"addr,omitempty"`     // redis
	Password   string `json:"password,omitempty"` // redis (do not log)
	DB         int    `json:"db,omitempty"`
	Key        string `json:"key,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof + /status).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
