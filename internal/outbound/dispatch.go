package outbound

import (
	"context"
	"time"

	"navrelay/internal/eventbus"
	"navrelay/internal/nav"
	"navrelay/internal/peer"
	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

type delivery struct {
	app     peer.AppID
	txn     peer.TxnID
	payload nav.Payload
	timeout time.Duration
}

func (n *Notifier) dispatch(d delivery) {
	defer n.sendWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	err := n.tr.Send(ctx, d.app, d.payload, d.txn)
	cancel()
	if err != nil {
		n.onSendFailed(d.txn, err)
	}
}

// effects collects bus events and journal records produced under the lock.
type effects struct {
	events  []eventbus.Event
	records []storage.Record
}

func (fx *effects) note(n *Notifier, typ string, outcome storage.Outcome, txn peer.TxnID, it *item, cause error) {
	now := time.Now()
	ev := DeliveryEvent{
		App:      n.cfg.App.String(),
		Txn:      txn,
		QueueLen: len(n.queue),
		Outcome:  outcome,
		At:       now,
	}
	if it != nil {
		ev.Attempt = it.attempts
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if n.bus != nil {
		fx.events = append(fx.events, eventbus.Event{Type: typ, Time: now, Data: ev})
	}
	if n.store != nil && outcome != "" {
		r := storage.Record{
			At:       now,
			App:      ev.App,
			Txn:      uint64(txn),
			Attempt:  ev.Attempt,
			Outcome:  outcome,
			QueueLen: ev.QueueLen,
			Error:    ev.Error,
		}
		if it != nil {
			r.Payload = it.n.Payload().Strings()
		}
		fx.records = append(fx.records, r)
	}
}

// flush runs effects outside the lock. It never waits on the journal.
func (n *Notifier) flush(fx effects) {
	for _, e := range fx.events {
		n.bus.Publish(e)
	}
	for _, r := range fx.records {
		if !n.jr.offer(r) {
			n.log.Warn("journal backlog full; record dropped", logx.Uint64("txn", r.Txn), logx.String("outcome", string(r.Outcome)))
		}
	}
}
