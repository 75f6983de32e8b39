package outbound

import (
	"errors"
	"time"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
	"navrelay/internal/storage"
)

var (
	ErrTxnMismatch = errors.New("ack for a transaction that is not outstanding")
	ErrAckTimeout  = errors.New("no ack before timeout")
	ErrRejected    = errors.New("delivery rejected by peer")
)

// Event types published on the bus.
const (
	EventAttempt  = "outbound.attempt"
	EventAcked    = "outbound.acked"
	EventNacked   = "outbound.nacked"
	EventTimeout  = "outbound.timeout"
	EventSendFail = "outbound.send_failed"
	EventDropped  = "outbound.dropped"
	EventMismatch = "outbound.mismatch"
)

// Config tunes the notifier. Zero values get defaults (see withDefaults).
type Config struct {
	App peer.AppID

	// AckTimeout bounds how long an attempt may stay outstanding before it is
	// treated as a nack. Negative disables the timeout.
	AckTimeout  time.Duration
	SendTimeout time.Duration

	// RetryRatePerSec paces re-attempts (burst = rate).
	RetryRatePerSec int
	// MaxAttempts drops the head after that many failed attempts; 0 retries forever.
	MaxAttempts int
	// MaxQueue bounds pending items; 0 is unbounded.
	MaxQueue int

	// TrustOrder applies acks to the head without checking the transaction id.
	// Only safe when the transport delivers acks in send order.
	TrustOrder bool

	// JournalBuffer is how many journal records may wait for the writer
	// before new ones are dropped.
	JournalBuffer int
}

const (
	DefaultAckTimeout      = 10 * time.Second
	DefaultSendTimeout     = 5 * time.Second
	DefaultRetryRatePerSec = 4
	DefaultJournalBuffer   = 256
)

func (c Config) withDefaults() Config {
	if c.App == (peer.AppID{}) {
		c.App = peer.DefaultAppID
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryRatePerSec <= 0 {
		c.RetryRatePerSec = DefaultRetryRatePerSec
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.JournalBuffer <= 0 {
		c.JournalBuffer = DefaultJournalBuffer
	}
	return c
}

// Stats are monotonically increasing counters since New.
type Stats struct {
	Enqueued     uint64 `json:"enqueued"`
	Attempts     uint64 `json:"attempts"`
	Retries      uint64 `json:"retries"`
	Acked        uint64 `json:"acked"`
	Nacked       uint64 `json:"nacked"`
	Timeouts     uint64 `json:"timeouts"`
	SendFailures uint64 `json:"send_failures"`
	Dropped      uint64 `json:"dropped"`
	Mismatches   uint64 `json:"mismatches"`
	Stray        uint64 `json:"stray"`

	JournalDropped uint64 `json:"journal_dropped"`
}

// Snapshot is a point-in-time view of the notifier.
type Snapshot struct {
	App           string     `json:"app"`
	Active        bool       `json:"active"`
	AppStarted    bool       `json:"app_started"`
	Sending       bool       `json:"sending"`
	InflightTxn   peer.TxnID `json:"inflight_txn,omitempty"`
	InflightSince time.Time  `json:"inflight_since,omitempty"`
	RetryPending  bool       `json:"retry_pending"`
	QueueLen      int        `json:"queue_len"`
	NextTxn       peer.TxnID `json:"next_txn"`
	Pending       []string   `json:"pending,omitempty"`
	Stats         Stats      `json:"stats"`
}

// DeliveryEvent is the Data of every outbound.* bus event.
type DeliveryEvent struct {
	App      string          `json:"app"`
	Txn      peer.TxnID      `json:"txn"`
	Attempt  int             `json:"attempt"`
	QueueLen int             `json:"queue_len"`
	Outcome  storage.Outcome `json:"outcome,omitempty"`
	At       time.Time       `json:"at"`
	Error    string          `json:"error,omitempty"`
}

type item struct {
	n        nav.Notification
	queuedAt time.Time
	attempts int
}

type inflight struct {
	txn       peer.TxnID
	item      *item
	startedAt time.Time
}
