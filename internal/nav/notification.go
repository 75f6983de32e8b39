// Package nav holds the navigation notification model sent to the wearable peer.
package nav

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key is the small integer dictionary key the companion app understands.
type Key uint8

const (
	KeyTurn Key = iota
	KeyStreet
	KeyDistance
	KeyRunningDistance
	KeyInstruction
	KeyStateType

	numKeys
)

var keyNames = [numKeys]string{"turn", "street", "distance", "running", "instruction", "state_type"}

func (k Key) Valid() bool { return k < numKeys }

func (k Key) String() string {
	if !k.Valid() {
		return "key(" + strconv.Itoa(int(k)) + ")"
	}
	return keyNames[k]
}

var ErrUnknownKey = errors.New("unknown notification key")

// Field is one key/value entry of a Notification.
type Field struct {
	Key   Key
	Value string
}

// Notification is an ordered key/value record describing one update for the peer.
//
// The zero value is an empty notification. Notifications are immutable:
// With returns a copy and Fields returns a copy, so a queued value cannot change.
type Notification struct {
	fields []Field
}

// New builds a notification from fields in order. Later fields replace earlier
// ones with the same key, keeping the original position.
func New(fields ...Field) Notification {
	var n Notification
	for _, f := range fields {
		n = n.With(f.Key, f.Value)
	}
	return n
}

// With returns a copy of n with key set to value.
func (n Notification) With(key Key, value string) Notification {
	out := make([]Field, 0, len(n.fields)+1)
	replaced := false
	for _, f := range n.fields {
		if f.Key == key {
			out = append(out, Field{Key: key, Value: value})
			replaced = true
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, Field{Key: key, Value: value})
	}
	return Notification{fields: out}
}

func (n Notification) Get(key Key) (string, bool) {
	for _, f := range n.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func (n Notification) Fields() []Field { return append([]Field(nil), n.fields...) }

func (n Notification) Len() int { return len(n.fields) }

// Payload returns the wire mapping; only populated keys are present.
func (n Notification) Payload() Payload {
	p := make(Payload, len(n.fields))
	for _, f := range n.fields {
		p[f.Key] = f.Value
	}
	return p
}

// Summary renders the notification compactly for logs ("turn=Left street=High St").
func (n Notification) Summary() string {
	var b strings.Builder
	for i, f := range n.fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key.String())
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	return b.String()
}

// Payload maps dictionary keys to string values.
type Payload map[Key]string

// Strings encodes p with decimal string keys, the JSON wire form.
func (p Payload) Strings() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[strconv.Itoa(int(k))] = v
	}
	return out
}

// Keys returns populated keys in ascending order.
func (p Payload) Keys() []Key {
	out := make([]Key, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePayload decodes the wire form produced by Payload.Strings.
func ParsePayload(m map[string]string) (Payload, error) {
	p := make(Payload, len(m))
	for ks, v := range m {
		i, err := strconv.ParseUint(strings.TrimSpace(ks), 10, 8)
		if err != nil || !Key(i).Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, ks)
		}
		p[Key(i)] = v
	}
	return p, nil
}
