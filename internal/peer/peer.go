// Package peer defines the session protocol with the wearable peer.
//
// A Transport starts and closes the companion app, sends payloads tagged with
// a transaction id, and reports the outcome later by calling the AckHandler
// subscribed for that app. Send is fire-and-forget: a nil error only means
// the payload left this process.
package peer

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"navrelay/internal/nav"
)

// AppID identifies the companion app on the peer.
type AppID = uuid.UUID

// DefaultAppID is the id the companion watch app registers with.
var DefaultAppID = uuid.MustParse("7b99db93-2503-4d6e-a503-67353132a90c")

// TxnID correlates one delivery attempt with its acknowledgement.
type TxnID uint64

var (
	ErrUnreachable = errors.New("peer unreachable")
	ErrClosed      = errors.New("transport closed")
)

// ParseAppID parses s, falling back to DefaultAppID when s is blank.
func ParseAppID(s string) (AppID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultAppID, nil
	}
	return uuid.Parse(s)
}

// AckHandler receives delivery outcomes for one app.
type AckHandler interface {
	OnAck(txn TxnID)
	OnNack(txn TxnID)
}

// Transport carries a session to the peer.
//
// Reachable reports whether a connection is up right now. After every
// (re)connect an implementation must call Resume on the notifier it feeds
// (see wsock.Config.OnConnect): the notifier holds its queue while the peer is
// unreachable and only restarts the app and delivery from Resume.
type Transport interface {
	Reachable() bool
	StartApp(ctx context.Context, app AppID) error
	CloseApp(ctx context.Context, app AppID) error
	Send(ctx context.Context, app AppID, p nav.Payload, txn TxnID) error
	Subscribe(app AppID, h AckHandler) (unsubscribe func())
}

// Handlers is a concurrency-safe registry of per-app handlers for transports.
type Handlers struct {
	reg registry
}

// Add registers h for app and returns an idempotent unsubscribe func.
func (hs *Handlers) Add(app AppID, h AckHandler) func() { return hs.reg.add(app, h) }

// Ack delivers a positive acknowledgement to every handler of app.
func (hs *Handlers) Ack(app AppID, txn TxnID) int {
	list := hs.reg.get(app)
	for _, h := range list {
		h.OnAck(txn)
	}
	return len(list)
}

// Nack delivers a negative acknowledgement to every handler of app.
func (hs *Handlers) Nack(app AppID, txn TxnID) int {
	list := hs.reg.get(app)
	for _, h := range list {
		h.OnNack(txn)
	}
	return len(list)
}
