package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"navrelay/internal/eventbus"
	"navrelay/internal/nav"
	"navrelay/internal/peer"
	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

// Notifier is the single-flight outbound queue for one peer app.
//
// It is safe for concurrent use. It implements peer.AckHandler.
type Notifier struct {
	mu sync.Mutex

	cfg     Config
	limiter *rate.Limiter

	tr    peer.Transport
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	queue    []*item
	active   bool
	sending  bool
	cur      inflight
	nextTxn  peer.TxnID
	unsub    func()
	subApp   peer.AppID
	gen      uint64 // bumped by Start/Stop; stale timers compare against it
	ackTimer *time.Timer

	// appStarted is set once a StartApp succeeded for this session on the
	// current connection. Nothing is attempted before that.
	appStarted bool

	retryTimer   *time.Timer
	retryRes     *rate.Reservation
	retryPending bool

	jr     *journal
	closed bool

	stats  Stats
	sendWG sync.WaitGroup
}

var _ peer.AckHandler = (*Notifier)(nil)

// New returns an idle notifier delivering through tr. bus and store are
// optional. With a store, RunJournal must be running for records to be written.
func New(cfg Config, tr peer.Transport, log logx.Logger, bus eventbus.Bus, store storage.Store) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{tr: tr, log: log, bus: bus, store: store, nextTxn: 1}
	n.applyLocked(cfg)
	if store != nil {
		n.jr = newJournal(n.cfg.JournalBuffer)
	}
	return n
}

// Apply swaps tunables at runtime. The app id only changes on the next Start.
func (n *Notifier) Apply(cfg Config) {
	n.mu.Lock()
	if n.active && cfg.App != (peer.AppID{}) && cfg.App != n.cfg.App {
		n.log.Warn("app id change takes effect on next session", logx.String("app", cfg.App.String()))
		cfg.App = n.cfg.App
	}
	n.applyLocked(cfg)
	n.mu.Unlock()
}

func (n *Notifier) applyLocked(cfg Config) {
	n.cfg = cfg.withDefaults()
	n.limiter = rate.NewLimiter(rate.Limit(n.cfg.RetryRatePerSec), n.cfg.RetryRatePerSec)
}

// Start opens a peer session: the queue is cleared, the peer app is started,
// and initial becomes the only queued item. A peer that cannot be reached is
// logged, not returned; delivery begins once the app has been started on a
// live connection, here or by Resume.
func (n *Notifier) Start(ctx context.Context, initial nav.Notification) {
	if ctx == nil {
		ctx = context.Background()
	}

	n.mu.Lock()
	n.gen++
	n.stopTimersLocked()
	if dropped := len(n.queue); dropped > 0 {
		n.log.Debug("session restart discards queue", logx.Int("dropped", dropped))
	}
	n.queue = nil
	n.sending = false
	n.cur = inflight{}
	// Pacing debt from the previous session does not carry over.
	n.limiter = rate.NewLimiter(rate.Limit(n.cfg.RetryRatePerSec), n.cfg.RetryRatePerSec)
	// Active but held until a StartApp succeeds. A reconnect during our own
	// StartApp runs Resume, which may start the app first.
	n.active = true
	n.appStarted = false
	gen := n.gen
	n.stats.Enqueued++
	n.queue = append(n.queue, &item{n: initial, queuedAt: time.Now()})
	if n.unsub != nil && n.subApp != n.cfg.App {
		n.unsub()
		n.unsub = nil
	}
	if n.unsub == nil {
		n.unsub = n.tr.Subscribe(n.cfg.App, n)
		n.subApp = n.cfg.App
	}
	app := n.cfg.App
	n.mu.Unlock()

	n.log.Info("starting peer app", logx.String("app", app.String()), logx.String("initial", initial.Summary()))
	if !n.tr.Reachable() {
		n.log.Warn("peer not reachable at session start", logx.String("app", app.String()))
	}
	err := n.tr.StartApp(ctx, app)
	if err != nil {
		n.log.Warn("start peer app failed", logx.String("app", app.String()), logx.Any("err", err))
	}

	var fx effects
	n.mu.Lock()
	if err == nil && gen == n.gen {
		n.appStarted = true
	}
	n.attemptLocked(&fx)
	n.mu.Unlock()
	n.flush(fx)
}

// Stop ends the peer session when the peer is reachable: the peer app is
// closed and ack subscriptions are dropped. An attempt already at the peer is
// not canceled. With the peer unreachable Stop does nothing.
func (n *Notifier) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !n.tr.Reachable() {
		n.log.Debug("peer unreachable; stop ignored")
		return
	}

	n.mu.Lock()
	n.gen++
	n.active = false
	n.appStarted = false
	n.stopTimersLocked()
	unsub := n.unsub
	n.unsub = nil
	app := n.cfg.App
	queued := len(n.queue)
	n.mu.Unlock()

	n.log.Info("stopping peer app", logx.String("app", app.String()), logx.Int("queued", queued))
	if err := n.tr.CloseApp(ctx, app); err != nil {
		n.log.Warn("close peer app failed", logx.String("app", app.String()), logx.Any("err", err))
	}
	if unsub != nil {
		unsub()
	}
}

// Resume continues an active session after the transport reconnects: the peer
// app is started again and delivery of the queue head resumes. An attempt
// still outstanding from the old connection is left to the ack timeout.
func (n *Notifier) Resume(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	// The new connection has no running app until StartApp succeeds on it.
	n.appStarted = false
	gen, app, queued := n.gen, n.cfg.App, len(n.queue)
	n.mu.Unlock()

	n.log.Info("resuming session", logx.String("app", app.String()), logx.Int("queued", queued))
	if err := n.tr.StartApp(ctx, app); err != nil {
		n.log.Warn("restart peer app failed", logx.String("app", app.String()), logx.Any("err", err))
		return
	}

	var fx effects
	n.mu.Lock()
	if gen == n.gen {
		n.appStarted = true
		n.attemptLocked(&fx)
	}
	n.mu.Unlock()
	n.flush(fx)
}

// Enqueue appends nt and attempts delivery if nothing is outstanding.
// It never fails: while no session is active the item just waits.
func (n *Notifier) Enqueue(nt nav.Notification) {
	var fx effects
	n.mu.Lock()
	n.enqueueLocked(nt, &fx)
	n.attemptLocked(&fx)
	n.mu.Unlock()
	n.flush(fx)
}

// OnAck handles a positive acknowledgement from the peer.
func (n *Notifier) OnAck(txn peer.TxnID) {
	var fx effects
	n.mu.Lock()
	if n.settleLocked(txn, &fx) {
		it := n.cur.item
		n.log.Info("received ack", logx.Uint64("txn", uint64(txn)), logx.Int("attempt", it.attempts))
		n.stats.Acked++
		n.queue = n.queue[1:]
		n.cur = inflight{}
		fx.note(n, EventAcked, storage.OutcomeAcked, txn, it, nil)
		n.attemptLocked(&fx)
	}
	n.mu.Unlock()
	n.flush(fx)
}

// OnNack handles a negative acknowledgement: the head is kept and re-attempted.
func (n *Notifier) OnNack(txn peer.TxnID) {
	var fx effects
	n.mu.Lock()
	if n.settleLocked(txn, &fx) {
		n.log.Info("received nack; resending", logx.Uint64("txn", uint64(txn)), logx.Int("attempt", n.cur.item.attempts))
		n.stats.Nacked++
		n.retryLocked(txn, EventNacked, storage.OutcomeNacked, ErrRejected, &fx)
	}
	n.mu.Unlock()
	n.flush(fx)
}

// Snapshot returns the current state for status output and tests.
func (n *Notifier) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Snapshot{
		App:          n.cfg.App.String(),
		Active:       n.active,
		AppStarted:   n.appStarted,
		Sending:      n.sending,
		RetryPending: n.retryPending,
		QueueLen:     len(n.queue),
		NextTxn:      n.nextTxn,
		Stats:        n.stats,
	}
	if n.jr != nil {
		s.Stats.JournalDropped = n.jr.dropped.Load()
	}
	if n.sending {
		s.InflightTxn = n.cur.txn
		s.InflightSince = n.cur.startedAt
	}
	for _, it := range n.queue {
		s.Pending = append(s.Pending, it.n.Summary())
	}
	return s
}

// Close stops timers, waits for in-progress transport sends, then lets the
// journal writer drain. It gives up when ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.gen++
	n.active = false
	n.appStarted = false
	n.closed = true
	n.stopTimersLocked()
	unsub := n.unsub
	n.unsub = nil
	n.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		n.sendWG.Wait()
		if n.jr != nil {
			n.jr.stop()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) enqueueLocked(nt nav.Notification, fx *effects) {
	n.stats.Enqueued++
	if n.cfg.MaxQueue > 0 && len(n.queue) >= n.cfg.MaxQueue {
		// Never drop the head while it is in flight; its ack would then remove the wrong item.
		idx := 0
		if n.sending {
			idx = 1
		}
		if idx < len(n.queue) {
			old := n.queue[idx]
			n.queue = append(n.queue[:idx:idx], n.queue[idx+1:]...)
			n.stats.Dropped++
			n.log.Warn("queue full; dropping oldest pending", logx.Int("max", n.cfg.MaxQueue), logx.String("dropped", old.n.Summary()))
			fx.note(n, EventDropped, storage.OutcomeDropped, 0, old, fmt.Errorf("queue full (max %d)", n.cfg.MaxQueue))
		}
	}
	n.queue = append(n.queue, &item{n: nt, queuedAt: time.Now()})
}

// attemptLocked sends the head when the session is active and nothing is outstanding.
func (n *Notifier) attemptLocked(fx *effects) {
	if !n.active || !n.appStarted || n.sending || n.retryPending || len(n.queue) == 0 {
		return
	}
	if !n.tr.Reachable() {
		// Resume picks the queue up again once the transport reconnects.
		n.log.Debug("peer unreachable; holding queue", logx.Int("queue", len(n.queue)))
		return
	}
	it := n.queue[0]
	it.attempts++
	txn := n.nextTxn
	n.nextTxn++
	n.sending = true
	n.cur = inflight{txn: txn, item: it, startedAt: time.Now()}
	n.stats.Attempts++
	if it.attempts > 1 {
		n.stats.Retries++
	}

	if n.cfg.AckTimeout > 0 {
		gen := n.gen
		n.ackTimer = time.AfterFunc(n.cfg.AckTimeout, func() { n.onAckTimeout(gen, txn) })
	}

	n.log.Debug("sending message", logx.Uint64("txn", uint64(txn)), logx.Int("attempt", it.attempts), logx.Int("queue", len(n.queue)))
	fx.note(n, EventAttempt, "", txn, it, nil)

	d := delivery{app: n.cfg.App, txn: txn, payload: it.n.Payload(), timeout: n.cfg.SendTimeout}
	n.sendWG.Add(1)
	go n.dispatch(d)
}

// settleLocked validates an ack/nack against the outstanding attempt and, if it
// applies, clears the sending flag.
func (n *Notifier) settleLocked(txn peer.TxnID, fx *effects) bool {
	if !n.sending {
		n.stats.Stray++
		n.log.Debug("ack/nack with nothing outstanding", logx.Uint64("txn", uint64(txn)))
		return false
	}
	if txn != n.cur.txn {
		if !n.cfg.TrustOrder {
			n.stats.Mismatches++
			n.log.Warn("ack/nack transaction mismatch", logx.Uint64("txn", uint64(txn)), logx.Uint64("outstanding", uint64(n.cur.txn)), logx.Err(ErrTxnMismatch))
			fx.note(n, EventMismatch, storage.OutcomeMismatch, txn, n.cur.item, ErrTxnMismatch)
			return false
		}
		n.log.Debug("trusting in-order delivery for mismatched txn", logx.Uint64("txn", uint64(txn)), logx.Uint64("outstanding", uint64(n.cur.txn)))
	}
	n.sending = false
	if n.ackTimer != nil {
		n.ackTimer.Stop()
		n.ackTimer = nil
	}
	return true
}

// retryLocked records a failed attempt of the head and re-attempts it, paced by
// the limiter, or drops it once MaxAttempts is reached.
func (n *Notifier) retryLocked(txn peer.TxnID, event string, outcome storage.Outcome, cause error, fx *effects) {
	it := n.cur.item
	n.cur = inflight{}
	fx.note(n, event, outcome, txn, it, cause)

	if n.cfg.MaxAttempts > 0 && it.attempts >= n.cfg.MaxAttempts {
		n.queue = n.queue[1:]
		n.stats.Dropped++
		n.log.Warn("giving up on notification", logx.Int("attempts", it.attempts), logx.String("notification", it.n.Summary()))
		fx.note(n, EventDropped, storage.OutcomeDropped, txn, it, fmt.Errorf("gave up after %d attempts: %w", it.attempts, cause))
		n.attemptLocked(fx)
		return
	}

	res := n.limiter.Reserve()
	delay := res.Delay()
	if delay <= 0 {
		n.attemptLocked(fx)
		return
	}
	n.retryRes = res
	n.retryPending = true
	gen := n.gen
	n.log.Debug("re-attempt paced", logx.Duration("delay", delay))
	n.retryTimer = time.AfterFunc(delay, func() { n.onRetry(gen) })
}

func (n *Notifier) onRetry(gen uint64) {
	var fx effects
	n.mu.Lock()
	if gen == n.gen && n.retryPending {
		n.retryPending = false
		n.retryTimer = nil
		n.retryRes = nil
		n.attemptLocked(&fx)
	}
	n.mu.Unlock()
	n.flush(fx)
}

func (n *Notifier) onAckTimeout(gen uint64, txn peer.TxnID) {
	var fx effects
	n.mu.Lock()
	if gen == n.gen && n.sending && n.cur.txn == txn {
		n.sending = false
		n.ackTimer = nil
		n.stats.Timeouts++
		n.log.Warn("no ack before timeout; resending", logx.Uint64("txn", uint64(txn)), logx.Duration("timeout", n.cfg.AckTimeout))
		n.retryLocked(txn, EventTimeout, storage.OutcomeTimeout, ErrAckTimeout, &fx)
	}
	n.mu.Unlock()
	n.flush(fx)
}

// onSendFailed treats a transport error for the outstanding txn as a nack.
func (n *Notifier) onSendFailed(txn peer.TxnID, err error) {
	var fx effects
	n.mu.Lock()
	if n.sending && n.cur.txn == txn {
		n.sending = false
		if n.ackTimer != nil {
			n.ackTimer.Stop()
			n.ackTimer = nil
		}
		n.stats.SendFailures++
		n.log.Warn("send failed", logx.Uint64("txn", uint64(txn)), logx.Any("err", err))
		n.retryLocked(txn, EventSendFail, storage.OutcomeSendFail, err, &fx)
	} else {
		n.log.Debug("send failed for stale txn", logx.Uint64("txn", uint64(txn)), logx.Any("err", err))
	}
	n.mu.Unlock()
	n.flush(fx)
}

func (n *Notifier) stopTimersLocked() {
	if n.ackTimer != nil {
		n.ackTimer.Stop()
		n.ackTimer = nil
	}
	if n.retryTimer != nil {
		n.retryTimer.Stop()
		n.retryTimer = nil
	}
	if n.retryRes != nil {
		// Hand the unused token back to the limiter.
		n.retryRes.Cancel()
		n.retryRes = nil
	}
	n.retryPending = false
}
