// Command navpeer emulates the wearable companion app: it accepts the relay's
// websocket connection, acks data frames and prints what it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"navrelay/internal/nav"
	"navrelay/internal/peer"
	"navrelay/internal/peer/wsock"
	logx "navrelay/pkg/logx"
)

func main() {
	var (
		addr      string
		path      string
		nackEvery int
		level     string
	)
	flag.StringVar(&addr, "addr", ":9797", "listen address")
	flag.StringVar(&path, "path", "/peer", "websocket path")
	flag.IntVar(&nackEvery, "nack-every", 0, "reject every n-th data frame (0 never)")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.NewConsole(level).With(logx.Component("navpeer"))

	p := wsock.NewPeer(log)
	p.NackEvery = nackEvery
	p.OnPayload = func(app peer.AppID, txn peer.TxnID, pl nav.Payload) {
		fmt.Printf("txn=%d %s\n", txn, summary(pl))
	}

	mux := http.NewServeMux()
	mux.Handle(path, p)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("peer listening", logx.String("addr", addr), logx.String("path", path), logx.Int("nack_every", nackEvery))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", logx.Any("err", err))
			os.Exit(1)
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	st := p.Stats()
	log.Info("peer stopped", logx.Int("received", st.Received), logx.Int("acked", st.Acked), logx.Int("nacked", st.Nacked))
}

func summary(p nav.Payload) string {
	var n nav.Notification
	for _, k := range p.Keys() {
		n = n.With(k, p[k])
	}
	return n.Summary()
}
