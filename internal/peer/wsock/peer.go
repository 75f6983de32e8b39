package wsock

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
	logx "navrelay/pkg/logx"
)

// Peer emulates the wearable companion app behind a websocket endpoint.
//
// Data frames for an app that has been started are acked; every NackEvery-th
// one is nacked instead. Data for an app that is not running is nacked.
// Session state belongs to the Peer, so a reconnecting relay resumes it.
type Peer struct {
	// NackEvery rejects every n-th data frame (0 never).
	NackEvery int
	// OnPayload is called for each accepted data frame.
	OnPayload func(app peer.AppID, txn peer.TxnID, p nav.Payload)

	log      logx.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	running  map[peer.AppID]bool
	received int
	acked    int
	nacked   int
}

// PeerStats counts data frames handled by a Peer.
type PeerStats struct {
	Received int `json:"received"`
	Acked    int `json:"acked"`
	Nacked   int `json:"nacked"`
	Running  int `json:"running"`
}

func NewPeer(log logx.Logger) *Peer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Peer{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		running: map[peer.AppID]bool{},
	}
}

func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerStats{Received: p.received, Acked: p.acked, Nacked: p.nacked, Running: len(p.running)}
}

// Running reports whether app has been started and not stopped.
func (p *Peer) Running(app peer.AppID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[app]
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("websocket upgrade failed", logx.Any("err", err))
		return
	}
	defer conn.Close()
	p.log.Info("relay connected", logx.String("remote", r.RemoteAddr))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn("relay connection error", logx.Any("err", err))
			}
			p.log.Info("relay disconnected", logx.String("remote", r.RemoteAddr))
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			p.log.Warn("bad frame from relay", logx.Any("err", err))
			continue
		}
		reply, ok := p.handle(f)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			p.log.Warn("reply to relay failed", logx.Any("err", err))
			return
		}
	}
}

// handle applies one frame and returns the reply to send, if any.
func (p *Peer) handle(f Frame) (Frame, bool) {
	app, err := f.appID()
	if err != nil {
		p.log.Warn("bad frame from relay", logx.Any("err", err))
		return Frame{}, false
	}

	switch f.Type {
	case FrameStart:
		p.mu.Lock()
		p.running[app] = true
		p.mu.Unlock()
		p.log.Info("app started", logx.String("app", f.App))
		return Frame{}, false
	case FrameStop:
		p.mu.Lock()
		delete(p.running, app)
		p.mu.Unlock()
		p.log.Info("app closed", logx.String("app", f.App))
		return Frame{}, false
	case FrameData:
	default:
		p.log.Debug("ignoring frame", logx.String("type", string(f.Type)))
		return Frame{}, false
	}

	payload, perr := nav.ParsePayload(f.Payload)

	p.mu.Lock()
	p.received++
	nack := !p.running[app] || perr != nil || (p.NackEvery > 0 && p.received%p.NackEvery == 0)
	if nack {
		p.nacked++
	} else {
		p.acked++
	}
	p.mu.Unlock()

	if nack {
		p.log.Info("rejecting data", logx.Uint64("txn", uint64(f.Txn)), logx.Bool("running", p.Running(app)), logx.Any("err", perr))
		return Frame{Type: FrameNack, App: f.App, Txn: f.Txn}, true
	}
	p.log.Info("data", logx.Uint64("txn", uint64(f.Txn)), logx.Any("payload", f.Payload))
	if p.OnPayload != nil {
		p.OnPayload(app, f.Txn, payload)
	}
	return Frame{Type: FrameAck, App: f.App, Txn: f.Txn}, true
}
