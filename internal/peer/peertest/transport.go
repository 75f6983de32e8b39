// Package peertest provides an in-memory peer.Transport for tests.
package peertest

import (
	"context"
	"sync"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
)

// Sent is one recorded Send call.
type Sent struct {
	App     peer.AppID
	Txn     peer.TxnID
	Payload nav.Payload
}

// Transport records calls and lets tests fire acks and nacks by hand.
type Transport struct {
	mu        sync.Mutex
	reachable bool
	sendErr   error
	starts    int
	closes    int
	sent      []Sent

	handlers peer.Handlers

	// Sends receives every successful Send; buffered so senders never block.
	Sends chan Sent
}

func New() *Transport {
	return &Transport{reachable: true, Sends: make(chan Sent, 1024)}
}

func (t *Transport) SetReachable(v bool) {
	t.mu.Lock()
	t.reachable = v
	t.mu.Unlock()
}

// SetSendError makes subsequent Send calls fail with err (nil to clear).
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *Transport) Reachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachable
}

func (t *Transport) StartApp(ctx context.Context, app peer.AppID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts++
	if !t.reachable {
		return peer.ErrUnreachable
	}
	return nil
}

func (t *Transport) CloseApp(ctx context.Context, app peer.AppID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *Transport) Send(ctx context.Context, app peer.AppID, p nav.Payload, txn peer.TxnID) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	s := Sent{App: app, Txn: txn, Payload: p}
	t.sent = append(t.sent, s)
	t.mu.Unlock()
	t.Sends <- s
	return nil
}

func (t *Transport) Subscribe(app peer.AppID, h peer.AckHandler) func() {
	return t.handlers.Add(app, h)
}

// Ack fires a positive acknowledgement and reports how many handlers received it.
func (t *Transport) Ack(app peer.AppID, txn peer.TxnID) int { return t.handlers.Ack(app, txn) }

// Nack fires a negative acknowledgement and reports how many handlers received it.
func (t *Transport) Nack(app peer.AppID, txn peer.TxnID) int { return t.handlers.Nack(app, txn) }

func (t *Transport) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// SentLog returns a copy of every recorded send in order.
func (t *Transport) SentLog() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}
