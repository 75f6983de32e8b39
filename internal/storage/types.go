package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Outcome is the terminal result of one delivery attempt.
type Outcome string

const (
	OutcomeAcked    Outcome = "acked"
	OutcomeNacked   Outcome = "nacked"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeSendFail Outcome = "send_failed"
	OutcomeDropped  Outcome = "dropped"
	OutcomeMismatch Outcome = "mismatch"
)

// Config configures the journal.
//
// Driver values: "file", "sqlite", "redis". Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr       string // redis
	Password   string // redis
	DB         int    // redis
	Key        string // redis list key
	MaxEntries int    // redis list cap; <=0 means 10000
}

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	At       time.Time         `json:"at"`
	App      string            `json:"app"`
	Txn      uint64            `json:"txn"`
	Attempt  int               `json:"attempt"`
	Outcome  Outcome           `json:"outcome"`
	QueueLen int               `json:"queue_len"`
	Payload  map[string]string `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
}
