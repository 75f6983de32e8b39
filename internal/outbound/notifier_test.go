package outbound

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"navrelay/internal/eventbus"
	"navrelay/internal/nav"
	"navrelay/internal/peer"
	"navrelay/internal/peer/peertest"
	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

func street(s string) nav.Notification { return nav.New(nav.Field{Key: nav.KeyStreet, Value: s}) }

func streetOf(t *testing.T, s peertest.Sent) string {
	t.Helper()
	v, ok := s.Payload[nav.KeyStreet]
	if !ok {
		t.Fatalf("payload without street: %v", s.Payload)
	}
	return v
}

func newTestNotifier(t *testing.T, cfg Config) (*Notifier, *peertest.Transport) {
	t.Helper()
	if cfg.RetryRatePerSec == 0 {
		cfg.RetryRatePerSec = 1000
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = -1
	}
	tr := peertest.New()
	n := New(cfg, tr, logx.Nop(), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Close(ctx)
	})
	return n, tr
}

func nextSend(t *testing.T, tr *peertest.Transport) peertest.Sent {
	t.Helper()
	select {
	case s := <-tr.Sends:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return peertest.Sent{}
	}
}

func expectNoSend(t *testing.T, tr *peertest.Transport, wait time.Duration) {
	t.Helper()
	select {
	case s := <-tr.Sends:
		t.Fatalf("unexpected send txn=%d payload=%v", s.Txn, s.Payload)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAckNackSequence(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	app := peer.DefaultAppID

	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	n.Enqueue(street("C"))

	s := nextSend(t, tr)
	if s.Txn != 1 || streetOf(t, s) != "A" {
		t.Fatalf("first attempt = txn %d %q, want txn 1 A", s.Txn, streetOf(t, s))
	}
	expectNoSend(t, tr, 30*time.Millisecond)

	tr.Ack(app, 1)
	s = nextSend(t, tr)
	if s.Txn != 2 || streetOf(t, s) != "B" {
		t.Fatalf("after ack(1) = txn %d %q, want txn 2 B", s.Txn, streetOf(t, s))
	}
	if got := n.Snapshot().QueueLen; got != 2 {
		t.Fatalf("queue len = %d, want 2 (B in flight, C pending)", got)
	}

	tr.Nack(app, 2)
	s = nextSend(t, tr)
	if s.Txn != 3 || streetOf(t, s) != "B" {
		t.Fatalf("after nack(2) = txn %d %q, want txn 3 B", s.Txn, streetOf(t, s))
	}
	if got := n.Snapshot().QueueLen; got != 2 {
		t.Fatalf("nack changed queue len to %d", got)
	}

	tr.Ack(app, 3)
	s = nextSend(t, tr)
	if s.Txn != 4 || streetOf(t, s) != "C" {
		t.Fatalf("after ack(3) = txn %d %q, want txn 4 C", s.Txn, streetOf(t, s))
	}

	tr.Ack(app, 4)
	expectNoSend(t, tr, 30*time.Millisecond)
	snap := n.Snapshot()
	if snap.QueueLen != 0 || snap.Sending {
		t.Fatalf("final snapshot = %+v, want empty and idle", snap)
	}
	if snap.Stats.Acked != 3 || snap.Stats.Nacked != 1 || snap.Stats.Attempts != 4 || snap.Stats.Retries != 1 {
		t.Fatalf("stats = %+v", snap.Stats)
	}
}

func TestSingleFlightUnderConcurrentEnqueue(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	app := peer.DefaultAppID

	const producers, perProducer = 4, 25
	total := producers*perProducer + 1

	n.Start(context.Background(), street("init"))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				n.Enqueue(street(fmt.Sprintf("p%d-%03d", p, i)))
			}
		}(p)
	}

	var delivered []string
	var lastTxn peer.TxnID
	for attempt := 0; len(delivered) < total; attempt++ {
		s := nextSend(t, tr)
		if s.Txn <= lastTxn {
			t.Fatalf("txn %d not strictly increasing after %d", s.Txn, lastTxn)
		}
		lastTxn = s.Txn
		// Nothing else may be sent while this attempt is outstanding.
		if len(tr.Sends) != 0 {
			t.Fatalf("second attempt issued while txn %d outstanding", s.Txn)
		}
		if snap := n.Snapshot(); !snap.Sending || snap.InflightTxn != s.Txn {
			t.Fatalf("snapshot %+v does not show txn %d in flight", snap, s.Txn)
		}
		if attempt%3 == 2 {
			tr.Nack(app, s.Txn)
			continue
		}
		delivered = append(delivered, streetOf(t, s))
		tr.Ack(app, s.Txn)
	}
	wg.Wait()

	if delivered[0] != "init" {
		t.Fatalf("first delivered = %q, want init", delivered[0])
	}
	// Per-producer FIFO order must survive interleaving.
	next := map[string]int{}
	for _, d := range delivered[1:] {
		parts := strings.SplitN(d, "-", 2)
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			t.Fatalf("bad street %q", d)
		}
		if idx != next[parts[0]] {
			t.Fatalf("producer %s delivered %d, want %d", parts[0], idx, next[parts[0]])
		}
		next[parts[0]]++
	}
	if got := n.Snapshot().QueueLen; got != 0 {
		t.Fatalf("queue len = %d, want 0", got)
	}
}

func TestStopThenStartResetsQueue(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})

	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	n.Enqueue(street("C"))
	first := nextSend(t, tr)

	n.Stop(context.Background())
	if tr.Closes() != 1 {
		t.Fatalf("closes = %d, want 1", tr.Closes())
	}
	if n.Snapshot().Active {
		t.Fatal("session still active after Stop")
	}
	if got := tr.Ack(peer.DefaultAppID, first.Txn); got != 0 {
		t.Fatalf("ack after stop reached %d handlers, want 0", got)
	}

	n.Start(context.Background(), street("D"))
	s := nextSend(t, tr)
	if streetOf(t, s) != "D" || s.Txn <= first.Txn {
		t.Fatalf("restart sent txn %d %q, want D with txn > %d", s.Txn, streetOf(t, s), first.Txn)
	}
	snap := n.Snapshot()
	if snap.QueueLen != 1 || len(snap.Pending) != 1 || snap.Pending[0] != "street=D" {
		t.Fatalf("queue after restart = %+v, want only D", snap.Pending)
	}
	if tr.Starts() != 2 {
		t.Fatalf("starts = %d, want 2", tr.Starts())
	}
}

func TestStopIgnoredWhenUnreachable(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	n.Start(context.Background(), street("A"))
	nextSend(t, tr)

	tr.SetReachable(false)
	n.Stop(context.Background())
	if tr.Closes() != 0 {
		t.Fatalf("closes = %d, want 0", tr.Closes())
	}
	if !n.Snapshot().Active {
		t.Fatal("unreachable stop should leave the session active")
	}
}

func TestUnreachablePeerHoldsQueueUntilResume(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	tr.SetReachable(false)
	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	if tr.Starts() != 1 {
		t.Fatalf("starts = %d, want 1", tr.Starts())
	}
	expectNoSend(t, tr, 30*time.Millisecond)
	if snap := n.Snapshot(); !snap.Active || snap.QueueLen != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	tr.SetReachable(true)
	n.Resume(context.Background())
	if tr.Starts() != 2 {
		t.Fatalf("starts after resume = %d, want 2", tr.Starts())
	}
	s := nextSend(t, tr)
	if streetOf(t, s) != "A" || s.Txn != 1 {
		t.Fatalf("first send = txn %d %q, want txn 1 A", s.Txn, streetOf(t, s))
	}
}

func TestResumeWithoutSessionIsNoop(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	n.Enqueue(street("A"))
	n.Resume(context.Background())
	if tr.Starts() != 0 {
		t.Fatalf("starts = %d, want 0", tr.Starts())
	}
	expectNoSend(t, tr, 30*time.Millisecond)
}

func TestEnqueueWithoutSessionWaits(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	n.Enqueue(street("early"))
	expectNoSend(t, tr, 30*time.Millisecond)
	if got := n.Snapshot().QueueLen; got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}
}

func TestTxnMismatchIsIgnored(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	app := peer.DefaultAppID
	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	s := nextSend(t, tr)

	tr.Ack(app, s.Txn+40)
	expectNoSend(t, tr, 30*time.Millisecond)
	snap := n.Snapshot()
	if snap.Stats.Mismatches != 1 || snap.QueueLen != 2 || !snap.Sending {
		t.Fatalf("after mismatched ack: %+v", snap)
	}

	tr.Ack(app, s.Txn)
	if got := streetOf(t, nextSend(t, tr)); got != "B" {
		t.Fatalf("next = %q, want B", got)
	}
}

func TestTrustOrderAppliesToHead(t *testing.T) {
	n, tr := newTestNotifier(t, Config{TrustOrder: true})
	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	nextSend(t, tr)

	tr.Ack(peer.DefaultAppID, 999)
	if got := streetOf(t, nextSend(t, tr)); got != "B" {
		t.Fatalf("next = %q, want B", got)
	}
	if n.Snapshot().Stats.Mismatches != 0 {
		t.Fatal("trust-order mode should not count mismatches")
	}
}

func TestStrayAckIgnored(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	n.Start(context.Background(), street("A"))
	s := nextSend(t, tr)
	tr.Ack(peer.DefaultAppID, s.Txn)
	tr.Ack(peer.DefaultAppID, s.Txn)
	if got := n.Snapshot().Stats.Stray; got != 1 {
		t.Fatalf("stray = %d, want 1", got)
	}
}

func TestAckTimeoutActsAsNack(t *testing.T) {
	n, tr := newTestNotifier(t, Config{AckTimeout: 30 * time.Millisecond})
	n.Start(context.Background(), street("A"))
	first := nextSend(t, tr)
	second := nextSend(t, tr)
	if streetOf(t, second) != "A" || second.Txn != first.Txn+1 {
		t.Fatalf("re-attempt = txn %d %q, want A with txn %d", second.Txn, streetOf(t, second), first.Txn+1)
	}
	if n.Snapshot().Stats.Timeouts < 1 {
		t.Fatal("expected a timeout to be counted")
	}

	// Keep acking the latest attempt until one lands before its timer.
	n.Apply(Config{AckTimeout: time.Minute, RetryRatePerSec: 1000})
	last := second
	for n.Snapshot().QueueLen > 0 {
		tr.Ack(peer.DefaultAppID, last.Txn)
		select {
		case s := <-tr.Sends:
			last = s
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSendFailureRetriesThenDrops(t *testing.T) {
	n, tr := newTestNotifier(t, Config{MaxAttempts: 3})
	tr.SetSendError(errors.New("link down"))
	n.Start(context.Background(), street("A"))

	waitFor(t, "head to be dropped", func() bool { return n.Snapshot().Stats.Dropped == 1 })
	snap := n.Snapshot()
	if snap.Stats.SendFailures != 3 || snap.Stats.Attempts != 3 || snap.QueueLen != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	tr.SetSendError(nil)
	n.Enqueue(street("B"))
	if got := streetOf(t, nextSend(t, tr)); got != "B" {
		t.Fatalf("next = %q, want B", got)
	}
}

func TestMaxQueueDropsOldestPending(t *testing.T) {
	n, tr := newTestNotifier(t, Config{MaxQueue: 2})
	n.Start(context.Background(), street("A"))
	s := nextSend(t, tr)
	n.Enqueue(street("B"))
	n.Enqueue(street("C"))

	snap := n.Snapshot()
	if snap.QueueLen != 2 || snap.Pending[0] != "street=A" || snap.Pending[1] != "street=C" {
		t.Fatalf("pending = %v, want [A C]", snap.Pending)
	}
	tr.Ack(peer.DefaultAppID, s.Txn)
	if got := streetOf(t, nextSend(t, tr)); got != "C" {
		t.Fatalf("next = %q, want C", got)
	}
}

func TestRetryIsPaced(t *testing.T) {
	n, tr := newTestNotifier(t, Config{RetryRatePerSec: 1})
	app := peer.DefaultAppID
	n.Start(context.Background(), street("A"))

	s := nextSend(t, tr)
	tr.Nack(app, s.Txn) // uses the single burst token
	s = nextSend(t, tr)
	tr.Nack(app, s.Txn)

	expectNoSend(t, tr, 100*time.Millisecond)
	if !n.Snapshot().RetryPending {
		t.Fatal("expected a paced retry to be pending")
	}
	n.Enqueue(street("B"))
	expectNoSend(t, tr, 20*time.Millisecond)

	s = nextSend(t, tr)
	if streetOf(t, s) != "A" || s.Txn != 3 {
		t.Fatalf("paced retry = txn %d %q, want txn 3 A", s.Txn, streetOf(t, s))
	}
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.Record
}

func (m *memStore) AppendDelivery(ctx context.Context, r storage.Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Recent(ctx context.Context, n int) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Record(nil), m.recs...), nil
}

func (m *memStore) Close() error { return nil }

func TestJournalAndEvents(t *testing.T) {
	tr := peertest.New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "outbound.")
	defer unsub()
	store := &memStore{}
	n := New(Config{AckTimeout: -1, RetryRatePerSec: 100}, tr, logx.Nop(), bus, store)
	defer n.Close(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.RunJournal(ctx)

	n.Start(context.Background(), nav.StartNotification(nav.StateOnward))
	s := nextSend(t, tr)
	tr.Nack(peer.DefaultAppID, s.Txn)
	s = nextSend(t, tr)
	tr.Ack(peer.DefaultAppID, s.Txn)

	var recs []storage.Record
	waitFor(t, "journal records", func() bool {
		recs, _ = store.Recent(context.Background(), 0)
		return len(recs) >= 2
	})
	if len(recs) != 2 {
		t.Fatalf("journal has %d records, want 2", len(recs))
	}
	if recs[0].Outcome != storage.OutcomeNacked || recs[1].Outcome != storage.OutcomeAcked {
		t.Fatalf("outcomes = %s, %s", recs[0].Outcome, recs[1].Outcome)
	}
	if recs[1].Attempt != 2 || recs[1].Payload["1"] != nav.StartingRideStreet {
		t.Fatalf("ack record = %+v", recs[1])
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{EventAttempt, EventNacked, EventAttempt, EventAcked}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestApplyKeepsAppDuringSession(t *testing.T) {
	n, tr := newTestNotifier(t, Config{})
	n.Start(context.Background(), street("A"))
	nextSend(t, tr)

	other, _ := peer.ParseAppID("11111111-2222-3333-4444-555555555555")
	n.Apply(Config{App: other, AckTimeout: -1, RetryRatePerSec: 1000})
	if got := n.Snapshot().App; got != peer.DefaultAppID.String() {
		t.Fatalf("app = %s, want unchanged during session", got)
	}
}

// reconnectOnStart connects the peer while the notifier's own StartApp is in
// flight: the first StartApp runs the on-connect hook and then fails.
type reconnectOnStart struct {
	*peertest.Transport
	n       *Notifier
	once    sync.Once
	started atomic.Int32
	fail    atomic.Bool
}

func (r *reconnectOnStart) StartApp(ctx context.Context, app peer.AppID) error {
	first := false
	r.once.Do(func() { first = true })
	if first {
		r.Transport.SetReachable(true)
		r.n.Resume(ctx)
		return peer.ErrUnreachable
	}
	if r.fail.Load() {
		return errors.New("app start refused")
	}
	if err := r.Transport.StartApp(ctx, app); err != nil {
		return err
	}
	r.started.Add(1)
	return nil
}

func TestReconnectDuringStartStartsAppBeforeData(t *testing.T) {
	tr := peertest.New()
	tr.SetReachable(false)
	rt := &reconnectOnStart{Transport: tr}
	n := New(Config{AckTimeout: -1, RetryRatePerSec: 1000}, rt, logx.Nop(), nil, nil)
	rt.n = n
	defer n.Close(context.Background())

	n.Start(context.Background(), street("A"))
	s := nextSend(t, tr)
	if got := rt.started.Load(); got != 1 {
		t.Fatalf("successful app starts before data = %d, want 1", got)
	}
	if streetOf(t, s) != "A" || s.Txn != 1 {
		t.Fatalf("first send = txn %d %q, want txn 1 A", s.Txn, streetOf(t, s))
	}
	if !n.Snapshot().AppStarted {
		t.Fatal("snapshot should report the app as started")
	}
	expectNoSend(t, tr, 30*time.Millisecond)
}

func TestFailedAppStartHoldsQueue(t *testing.T) {
	tr := peertest.New()
	rt := &reconnectOnStart{Transport: tr}
	rt.once.Do(func() {})
	rt.fail.Store(true)
	n := New(Config{AckTimeout: -1, RetryRatePerSec: 1000}, rt, logx.Nop(), nil, nil)
	rt.n = n
	defer n.Close(context.Background())

	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	expectNoSend(t, tr, 30*time.Millisecond)
	if snap := n.Snapshot(); !snap.Active || snap.AppStarted || snap.QueueLen != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	rt.fail.Store(false)
	n.Resume(context.Background())
	if s := nextSend(t, tr); streetOf(t, s) != "A" {
		t.Fatalf("first send after resume = %q, want A", streetOf(t, s))
	}
}

// blockingStore holds every write until release is closed or the write times out.
type blockingStore struct {
	memStore
	release chan struct{}
}

func (b *blockingStore) AppendDelivery(ctx context.Context, r storage.Record) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.memStore.AppendDelivery(ctx, r)
}

func TestSlowJournalDoesNotDelayAcks(t *testing.T) {
	tr := peertest.New()
	store := &blockingStore{release: make(chan struct{})}
	n := New(Config{AckTimeout: -1, RetryRatePerSec: 1000}, tr, logx.Nop(), nil, store)
	ctx, cancel := context.WithCancel(context.Background())
	go n.RunJournal(ctx)

	n.Start(context.Background(), street("A"))
	n.Enqueue(street("B"))
	for _, ack := range []bool{false, true, true} {
		s := nextSend(t, tr)
		begin := time.Now()
		if ack {
			tr.Ack(peer.DefaultAppID, s.Txn)
		} else {
			tr.Nack(peer.DefaultAppID, s.Txn)
		}
		if d := time.Since(begin); d > 100*time.Millisecond {
			t.Fatalf("ack/nack of txn %d took %v", s.Txn, d)
		}
	}

	close(store.release)
	waitFor(t, "journal records", func() bool {
		recs, _ := store.Recent(context.Background(), 0)
		return len(recs) == 3
	})
	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if err := n.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFullJournalBacklogDropsRecords(t *testing.T) {
	tr := peertest.New()
	store := &memStore{}
	n := New(Config{AckTimeout: -1, RetryRatePerSec: 1000, JournalBuffer: 1}, tr, logx.Nop(), nil, store)

	n.Start(context.Background(), street("A"))
	s := nextSend(t, tr)
	tr.Nack(peer.DefaultAppID, s.Txn)
	s = nextSend(t, tr)
	tr.Nack(peer.DefaultAppID, s.Txn)
	s = nextSend(t, tr)
	tr.Ack(peer.DefaultAppID, s.Txn)

	if got := n.Snapshot().Stats.JournalDropped; got != 2 {
		t.Fatalf("journal dropped = %d, want 2", got)
	}

	// The one buffered record is written once the writer runs.
	go n.RunJournal(context.Background())
	waitFor(t, "buffered record", func() bool {
		recs, _ := store.Recent(context.Background(), 0)
		return len(recs) == 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if recs, _ := store.Recent(context.Background(), 0); len(recs) != 1 || recs[0].Outcome != storage.OutcomeNacked {
		t.Fatalf("journal = %+v, want the first nack only", recs)
	}
}

func TestNewSessionStartsWithFreshRetryBudget(t *testing.T) {
	n, tr := newTestNotifier(t, Config{RetryRatePerSec: 1})
	app := peer.DefaultAppID

	n.Start(context.Background(), street("A"))
	s := nextSend(t, tr)
	tr.Nack(app, s.Txn) // spends the burst token
	s = nextSend(t, tr)
	tr.Nack(app, s.Txn)
	if !n.Snapshot().RetryPending {
		t.Fatal("expected a paced retry to be pending")
	}

	n.Stop(context.Background())
	n.Start(context.Background(), street("B"))
	s = nextSend(t, tr)
	if streetOf(t, s) != "B" {
		t.Fatalf("first send of new session = %q, want B", streetOf(t, s))
	}
	tr.Nack(app, s.Txn)
	select {
	case s = <-tr.Sends:
		if streetOf(t, s) != "B" {
			t.Fatalf("retry = %q, want B", streetOf(t, s))
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("retry in a new session was paced by the previous session's debt")
	}
}
