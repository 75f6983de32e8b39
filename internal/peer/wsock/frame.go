// Package wsock carries the peer session protocol over a websocket.
//
// Both directions exchange JSON text frames:
//
//	{"type":"start","app":"<uuid>"}
//	{"type":"data","app":"<uuid>","txn":7,"payload":{"1":"High St","5":"Onward"}}
//	{"type":"ack","app":"<uuid>","txn":7}
//
// Transport is the relay side; Peer emulates the wearable companion app.
package wsock

import (
	"fmt"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
)

type FrameType string

const (
	FrameStart FrameType = "start"
	FrameStop  FrameType = "stop"
	FrameData  FrameType = "data"
	FrameAck   FrameType = "ack"
	FrameNack  FrameType = "nack"
)

type Frame struct {
	Type    FrameType         `json:"type"`
	App     string            `json:"app"`
	Txn     peer.TxnID        `json:"txn,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

func dataFrame(app peer.AppID, txn peer.TxnID, p nav.Payload) Frame {
	return Frame{Type: FrameData, App: app.String(), Txn: txn, Payload: p.Strings()}
}

func (f Frame) appID() (peer.AppID, error) {
	id, err := peer.ParseAppID(f.App)
	if err != nil {
		return peer.AppID{}, fmt.Errorf("frame %s: bad app id %q: %w", f.Type, f.App, err)
	}
	return id, nil
}
