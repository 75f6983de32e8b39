package liveride

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"navrelay/internal/nav"
	logx "navrelay/pkg/logx"
)

// Feed event names.
const (
	EventStart   = "start"
	EventState   = "state"
	EventSegment = "segment"
	EventStop    = "stop"
)

// FeedLine is one JSON line of the navigation feed:
//
//	{"event":"segment","state":"Onward","segment":{"turn":"Left","street":"High St","distance_m":350,"running_m":1200}}
type FeedLine struct {
	Event   string        `json:"event"`
	State   nav.RideState `json:"state,omitempty"`
	Segment *nav.Segment  `json:"segment,omitempty"`
}

var ErrBadLine = errors.New("bad feed line")

const maxLine = 64 * 1024

// Feed drives a Relay from a JSON-lines stream.
type Feed struct {
	relay *Relay
	log   logx.Logger
}

func NewFeed(relay *Relay, log logx.Logger) *Feed {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feed{relay: relay, log: log}
}

// Consume applies every line of r until EOF or ctx ends. Malformed lines and
// unknown events are logged and skipped. ctx is checked between lines; a
// blocked read only returns when r does.
func (f *Feed) Consume(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		line, err := ParseLine(raw)
		if err != nil {
			f.log.Warn("skipping feed line", logx.Int("line", lineNo), logx.Any("err", err))
			continue
		}
		f.Apply(ctx, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return ctx.Err()
}

// Apply dispatches one decoded line to the relay.
func (f *Feed) Apply(ctx context.Context, line FeedLine) {
	switch line.Event {
	case EventStart:
		f.relay.NotifyStart(ctx, line.State, line.Segment)
	case EventState:
		f.relay.Notify(line.State)
	case EventSegment:
		f.relay.NotifySegment(line.State, line.Segment)
	case EventStop:
		f.relay.NotifyStopped(ctx)
	}
}

// ParseLine decodes and validates one feed line.
func ParseLine(raw string) (FeedLine, error) {
	var line FeedLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return FeedLine{}, fmt.Errorf("%w: %v", ErrBadLine, err)
	}
	line.Event = strings.ToLower(strings.TrimSpace(line.Event))
	switch line.Event {
	case EventStart, EventStop:
	case EventState, EventSegment:
		if line.State == "" {
			return FeedLine{}, fmt.Errorf("%w: %s event without state", ErrBadLine, line.Event)
		}
	case "":
		return FeedLine{}, fmt.Errorf("%w: missing event", ErrBadLine)
	default:
		return FeedLine{}, fmt.Errorf("%w: unknown event %q", ErrBadLine, line.Event)
	}
	return line, nil
}
