// Package outbound serializes navigation notifications into single-flight,
// acknowledgement-gated deliveries to the wearable peer.
//
// At most one attempt is outstanding at a time. A positive acknowledgement
// removes the head of the queue and releases the next item; a negative one
// (or an attempt timeout, or a failed send) leaves the head in place and
// re-attempts it under a fresh transaction id. Re-attempts are paced by a
// token bucket so a peer that rejects everything cannot spin the relay.
//
// Nothing is attempted until the peer app has been started on the current
// connection, either by Start or by Resume after a reconnect.
//
// All queue state lives behind one mutex. Transport sends run on their own
// goroutine and journal records are handed to the RunJournal writer, so
// Enqueue, OnAck and OnNack never block on the network or the store.
package outbound
