// Package liveride turns live-ride navigation events into peer notifications.
package liveride

import (
	"context"
	"sync"

	"navrelay/internal/nav"
	logx "navrelay/pkg/logx"
)

// Sink is the outbound side; *outbound.Notifier implements it.
type Sink interface {
	Start(ctx context.Context, initial nav.Notification)
	Stop(ctx context.Context)
	Enqueue(n nav.Notification)
}

// Reachability reports whether the peer is currently connected.
type Reachability interface {
	Reachable() bool
}

// Relay forwards ride events to the peer. Updates other than start and stop
// are skipped while the peer is unreachable; the session start always goes
// through so the first item is queued for when the peer appears.
type Relay struct {
	sink Sink
	peer Reachability
	log  logx.Logger

	mu      sync.Mutex
	state   nav.RideState
	segment *nav.Segment
	stats   RelayStats
}

type RelayStats struct {
	Started   uint64 `json:"started"`
	Stopped   uint64 `json:"stopped"`
	Forwarded uint64 `json:"forwarded"`
	Skipped   uint64 `json:"skipped"`
}

// RelayStatus is the last known ride position, for status output.
type RelayStatus struct {
	State   nav.RideState `json:"state,omitempty"`
	Segment *nav.Segment  `json:"segment,omitempty"`
	Stats   RelayStats    `json:"stats"`
}

func NewRelay(sink Sink, peer Reachability, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{sink: sink, peer: peer, log: log}
}

// NotifyStart opens a peer session whose first item announces the ride.
func (r *Relay) NotifyStart(ctx context.Context, state nav.RideState, seg *nav.Segment) {
	if state == "" {
		state = nav.StateStartingRide
	}
	fields := []logx.Field{logx.String("state", string(state))}
	if seg != nil {
		fields = append(fields, logx.String("turn", seg.Turn), logx.String("street", seg.Street))
	}
	r.log.Info("ride started", fields...)

	r.remember(state, seg, func(s *RelayStats) { s.Started++ })
	r.sink.Start(ctx, nav.StartNotification(state))
}

// Notify queues a state-only update. It reports whether the update was queued.
func (r *Relay) Notify(state nav.RideState) bool {
	if !r.peer.Reachable() {
		r.skip("state", state)
		return false
	}
	r.log.Info("notifying state", logx.String("state", string(state)))
	r.remember(state, nil, func(s *RelayStats) { s.Forwarded++ })
	r.sink.Enqueue(nav.StateNotification(state))
	return true
}

// NotifySegment queues a segment update; a nil segment sends the state alone.
func (r *Relay) NotifySegment(state nav.RideState, seg *nav.Segment) bool {
	if !r.peer.Reachable() {
		r.skip("segment", state)
		return false
	}
	if seg != nil {
		r.log.Info("notifying segment", logx.String("state", string(state)),
			logx.String("turn", seg.Turn), logx.String("street", seg.Street))
	} else {
		r.log.Info("notifying segment", logx.String("state", string(state)), logx.Bool("segment", false))
	}
	r.remember(state, seg, func(s *RelayStats) { s.Forwarded++ })
	r.sink.Enqueue(nav.SegmentNotification(state, seg))
	return true
}

// NotifyStopped ends the peer session.
func (r *Relay) NotifyStopped(ctx context.Context) {
	r.log.Info("ride stopped")
	r.remember(nav.StateStopped, nil, func(s *RelayStats) { s.Stopped++ })
	r.sink.Stop(ctx)
}

func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RelayStatus{State: r.state, Stats: r.stats}
	if r.segment != nil {
		seg := *r.segment
		st.Segment = &seg
	}
	return st
}

func (r *Relay) skip(kind string, state nav.RideState) {
	r.mu.Lock()
	r.stats.Skipped++
	r.mu.Unlock()
	r.log.Debug("peer unreachable; update skipped", logx.String("kind", kind), logx.String("state", string(state)))
}

// remember records the latest state; seg replaces the segment only when non-nil.
func (r *Relay) remember(state nav.RideState, seg *nav.Segment, count func(*RelayStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	if seg != nil {
		cp := *seg
		r.segment = &cp
	}
	if state == nav.StateStopped {
		r.segment = nil
	}
	count(&r.stats)
}
