package wsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
	logx "navrelay/pkg/logx"
)

type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Header       http.Header

	// OnConnect runs after every successful dial, before replies are read.
	OnConnect func(ctx context.Context)
}

// Transport is a peer.Transport over one websocket connection.
//
// Run owns the connection: it dials, routes ack/nack frames to subscribers and
// returns when the connection drops, so callers restart it with backoff.
// While no connection is up the transport reports unreachable and every write
// fails with peer.ErrUnreachable.
type Transport struct {
	cfg Config
	log logx.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer

	handlers peer.Handlers
}

var _ peer.Transport = (*Transport)(nil)

func New(cfg Config, log logx.Logger) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, log: log}
}

// Run dials the peer and serves the connection until it fails or ctx ends.
// It returns nil only when ctx was canceled.
func (t *Transport) Run(ctx context.Context) error {
	if t.cfg.URL == "" {
		return errors.New("wsock: empty peer url")
	}
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout, Proxy: http.ProxyFromEnvironment}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	conn, _, err := dialer.DialContext(dctx, t.cfg.URL, t.cfg.Header)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.log.Info("peer connected", logx.String("url", t.cfg.URL))
	if t.cfg.OnConnect != nil {
		t.cfg.OnConnect(ctx)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.wmu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			t.wmu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	err = t.readLoop(conn)

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()

	if ctx.Err() != nil {
		t.log.Info("peer connection closed", logx.String("url", t.cfg.URL))
		return nil
	}
	t.log.Warn("peer connection lost", logx.String("url", t.cfg.URL), logx.Any("err", err))
	return fmt.Errorf("peer connection lost: %w", err)
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.log.Warn("bad frame from peer", logx.Any("err", err))
			continue
		}
		app, err := f.appID()
		if err != nil {
			t.log.Warn("bad frame from peer", logx.Any("err", err))
			continue
		}
		var n int
		switch f.Type {
		case FrameAck:
			n = t.handlers.Ack(app, f.Txn)
		case FrameNack:
			n = t.handlers.Nack(app, f.Txn)
		default:
			t.log.Debug("ignoring frame from peer", logx.String("type", string(f.Type)))
			continue
		}
		if n == 0 {
			t.log.Debug("no subscriber for peer reply", logx.String("app", f.App), logx.Uint64("txn", uint64(f.Txn)))
		}
	}
}

func (t *Transport) Reachable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

func (t *Transport) StartApp(ctx context.Context, app peer.AppID) error {
	return t.write(ctx, Frame{Type: FrameStart, App: app.String()})
}

func (t *Transport) CloseApp(ctx context.Context, app peer.AppID) error {
	return t.write(ctx, Frame{Type: FrameStop, App: app.String()})
}

func (t *Transport) Send(ctx context.Context, app peer.AppID, p nav.Payload, txn peer.TxnID) error {
	return t.write(ctx, dataFrame(app, txn, p))
}

func (t *Transport) Subscribe(app peer.AppID, h peer.AckHandler) func() {
	return t.handlers.Add(app, h)
}

func (t *Transport) write(ctx context.Context, f Frame) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return peer.ErrUnreachable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}
