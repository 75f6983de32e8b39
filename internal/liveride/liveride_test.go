package liveride

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"navrelay/internal/nav"
	logx "navrelay/pkg/logx"
)

type call struct {
	op string
	n  nav.Notification
}

type fakeSink struct {
	mu    sync.Mutex
	calls []call
}

func (s *fakeSink) Start(ctx context.Context, initial nav.Notification) { s.add("start", initial) }
func (s *fakeSink) Stop(ctx context.Context)                             { s.add("stop", nav.Notification{}) }
func (s *fakeSink) Enqueue(n nav.Notification)                           { s.add("enqueue", n) }

func (s *fakeSink) add(op string, n nav.Notification) {
	s.mu.Lock()
	s.calls = append(s.calls, call{op, n})
	s.mu.Unlock()
}

type reach bool

func (r *reach) Reachable() bool { return bool(*r) }

func newRelay() (*Relay, *fakeSink, *reach) {
	sink := &fakeSink{}
	up := reach(true)
	return NewRelay(sink, &up, logx.Nop()), sink, &up
}

func TestNotifyStartAlwaysStarts(t *testing.T) {
	r, sink, up := newRelay()
	*up = false
	r.NotifyStart(context.Background(), nav.StateOnward, &nav.Segment{Turn: "Left", Street: "High St"})

	if len(sink.calls) != 1 || sink.calls[0].op != "start" {
		t.Fatalf("calls = %+v", sink.calls)
	}
	n := sink.calls[0].n
	if v, _ := n.Get(nav.KeyStreet); v != nav.StartingRideStreet {
		t.Fatalf("street = %q", v)
	}
	if v, _ := n.Get(nav.KeyStateType); v != "Onward" {
		t.Fatalf("state = %q", v)
	}
	if _, ok := n.Get(nav.KeyTurn); ok {
		t.Fatal("start notification carries the segment turn")
	}
}

func TestUpdatesSkippedWhenUnreachable(t *testing.T) {
	r, sink, up := newRelay()
	*up = false
	if r.Notify(nav.StateHuntForSegment) {
		t.Fatal("Notify queued while unreachable")
	}
	if r.NotifySegment(nav.StateOnward, &nav.Segment{Street: "x"}) {
		t.Fatal("NotifySegment queued while unreachable")
	}
	if len(sink.calls) != 0 {
		t.Fatalf("calls = %+v", sink.calls)
	}
	if got := r.Status().Stats.Skipped; got != 2 {
		t.Fatalf("skipped = %d, want 2", got)
	}

	*up = true
	if !r.Notify(nav.StateHuntForSegment) {
		t.Fatal("Notify skipped while reachable")
	}
	if v, _ := sink.calls[0].n.Get(nav.KeyStateType); v != "HuntForSegment" || sink.calls[0].n.Len() != 1 {
		t.Fatalf("state notification = %s", sink.calls[0].n.Summary())
	}
}

func TestNotifySegment(t *testing.T) {
	r, sink, _ := newRelay()
	r.NotifySegment(nav.StateAdvanceWarning, &nav.Segment{Turn: "Right", Street: "Mill Rd", DistanceM: 350, RunningDistance: 1230})
	r.NotifySegment(nav.StateGoingOffCourse, nil)

	seg := sink.calls[0].n.Payload()
	want := nav.Payload{
		nav.KeyTurn:            "Right",
		nav.KeyStreet:          "Mill Rd",
		nav.KeyDistance:        "350 m",
		nav.KeyRunningDistance: "1.2 km",
		nav.KeyStateType:       "AdvanceWarning",
	}
	if len(seg) != len(want) {
		t.Fatalf("payload = %v", seg)
	}
	for k, v := range want {
		if seg[k] != v {
			t.Fatalf("payload[%s] = %q, want %q", k, seg[k], v)
		}
	}

	if p := sink.calls[1].n.Payload(); len(p) != 1 || p[nav.KeyStateType] != "GoingOffCourse" {
		t.Fatalf("nil segment payload = %v", p)
	}
	if st := r.Status(); st.State != nav.StateGoingOffCourse || st.Segment == nil || st.Segment.Street != "Mill Rd" {
		t.Fatalf("status = %+v", st)
	}
}

func TestNotifyStopped(t *testing.T) {
	r, sink, _ := newRelay()
	r.NotifyStopped(context.Background())
	if len(sink.calls) != 1 || sink.calls[0].op != "stop" {
		t.Fatalf("calls = %+v", sink.calls)
	}
	if st := r.Status(); st.State != nav.StateStopped || st.Stats.Stopped != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"start", `{"event":"start","state":"Onward"}`, true},
		{"start without state", `{"event":"start"}`, true},
		{"segment", `{"event":"Segment","state":"Onward","segment":{"street":"A"}}`, true},
		{"state without state", `{"event":"state"}`, false},
		{"unknown", `{"event":"reroute","state":"Onward"}`, false},
		{"missing event", `{"state":"Onward"}`, false},
		{"not json", `event=start`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLine(tc.raw)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrBadLine) {
				t.Fatalf("err = %v, want ErrBadLine", err)
			}
		})
	}
}

func TestFeedConsume(t *testing.T) {
	r, sink, _ := newRelay()
	feed := NewFeed(r, logx.Nop())
	input := strings.Join([]string{
		`{"event":"start","state":"StartingRide","segment":{"turn":"Straight","street":"Station Rd"}}`,
		``,
		`# comment`,
		`{"event":"segment","state":"Onward","segment":{"turn":"Left","street":"High St","distance_m":120,"running_m":120}}`,
		`garbage`,
		`{"event":"warp","state":"Onward"}`,
		`{"event":"state","state":"Arrivee"}`,
		`{"event":"stop"}`,
	}, "\n")

	if err := feed.Consume(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	var ops []string
	for _, c := range sink.calls {
		ops = append(ops, c.op)
	}
	if got := strings.Join(ops, ","); got != "start,enqueue,enqueue,stop" {
		t.Fatalf("ops = %s", got)
	}
	if v, _ := sink.calls[1].n.Get(nav.KeyStreet); v != "High St" {
		t.Fatalf("segment street = %q", v)
	}
}

func TestFeedConsumeCanceled(t *testing.T) {
	r, sink, _ := newRelay()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewFeed(r, logx.Nop()).Consume(ctx, strings.NewReader(`{"event":"stop"}`+"\n"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("calls after cancel = %+v", sink.calls)
	}
}
