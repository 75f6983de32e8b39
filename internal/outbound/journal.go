package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// journal is the backlog between the delivery path and the store.
// Records are offered without blocking; a full backlog drops the record.
type journal struct {
	ch      chan storage.Record
	dropped atomic.Uint64

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func newJournal(buffer int) *journal {
	return &journal{ch: make(chan storage.Record, buffer), quit: make(chan struct{})}
}

func (j *journal) offer(r storage.Record) bool {
	if j == nil {
		return true
	}
	select {
	case j.ch <- r:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// stop asks running writers to drain and waits for them.
func (j *journal) stop() {
	j.quitOnce.Do(func() { close(j.quit) })
	j.wg.Wait()
}

// RunJournal writes queued journal records to the store until ctx ends or
// Close is called, then writes what is still buffered. Run it once, under the
// supervisor. Without a store it returns immediately.
func (n *Notifier) RunJournal(ctx context.Context) error {
	j := n.jr
	if j == nil {
		return nil
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	j.wg.Add(1)
	n.mu.Unlock()
	defer j.wg.Done()

	for {
		select {
		case r := <-j.ch:
			n.writeRecord(r)
		case <-ctx.Done():
			n.drainJournal()
			return nil
		case <-j.quit:
			n.drainJournal()
			return nil
		}
	}
}

func (n *Notifier) drainJournal() {
	for {
		select {
		case r := <-n.jr.ch:
			n.writeRecord(r)
		default:
			return
		}
	}
}

func (n *Notifier) writeRecord(r storage.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := n.store.AppendDelivery(ctx, r); err != nil {
		n.log.Debug("journal write failed", logx.Uint64("txn", r.Txn), logx.Any("err", err))
	}
}
