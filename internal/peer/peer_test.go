package peer

import (
	"testing"

	"github.com/google/uuid"
)

type countingHandler struct{ acks, nacks []TxnID }

func (c *countingHandler) OnAck(txn TxnID)  { c.acks = append(c.acks, txn) }
func (c *countingHandler) OnNack(txn TxnID) { c.nacks = append(c.nacks, txn) }

func TestHandlersRouteByApp(t *testing.T) {
	var hs Handlers
	other := uuid.New()
	a, b := &countingHandler{}, &countingHandler{}
	unsubA := hs.Add(DefaultAppID, a)
	hs.Add(other, b)

	if n := hs.Ack(DefaultAppID, 1); n != 1 {
		t.Fatalf("Ack delivered to %d handlers, want 1", n)
	}
	hs.Nack(other, 2)

	if len(a.acks) != 1 || a.acks[0] != 1 || len(a.nacks) != 0 {
		t.Fatalf("handler a got acks=%v nacks=%v", a.acks, a.nacks)
	}
	if len(b.nacks) != 1 || b.nacks[0] != 2 {
		t.Fatalf("handler b got nacks=%v", b.nacks)
	}

	unsubA()
	unsubA()
	if n := hs.Ack(DefaultAppID, 3); n != 0 {
		t.Fatalf("Ack after unsubscribe delivered to %d handlers", n)
	}
}

func TestParseAppID(t *testing.T) {
	id, err := ParseAppID("  ")
	if err != nil || id != DefaultAppID {
		t.Fatalf("blank id = %v, %v; want default", id, err)
	}
	if _, err := ParseAppID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}
