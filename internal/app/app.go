package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"navrelay/internal/config"
	"navrelay/internal/eventbus"
	"navrelay/internal/liveride"
	"navrelay/internal/observability/pprof"
	"navrelay/internal/outbound"
	"navrelay/internal/peer/wsock"
	"navrelay/internal/runtime/supervisor"
	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
	"navrelay/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	peer  peerSettings
	tr    *wsock.Transport
	notif *outbound.Notifier
	relay *liveride.Relay
	feed  *liveride.Feed
	debug *pprof.Service

	startedAt time.Time
	feedDone  chan struct{}
	feedOnce  sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.Component("app"))

	ps, err := mapPeer(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOutbound(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapDebug(cfg); err != nil {
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapJournal(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		peer:     ps,
		feedDone: make(chan struct{}),
	}

	tcfg := ps.transport
	tcfg.OnConnect = func(ctx context.Context) { a.notif.Resume(ctx) }
	a.tr = wsock.New(tcfg, log.With(logx.Component("peer")))
	a.notif = outbound.New(ocfg, a.tr, log.With(logx.Component("outbound")), a.bus, store)
	a.relay = liveride.NewRelay(a.notif, a.tr, log.With(logx.Component("liveride")))
	a.feed = liveride.NewFeed(a.relay, log.With(logx.Component("feed")))
	a.debug = pprof.New(log.With(logx.Component("debug")), func(ctx context.Context) any { return a.Status(ctx) })
	return a, nil
}

func (a *App) Relay() *liveride.Relay        { return a.relay }
func (a *App) Notifier() *outbound.Notifier  { return a.notif }
func (a *App) PeerReachable() bool           { return a.tr.Reachable() }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// FeedDone is closed when a feed started by RunFeed has ended.
func (a *App) FeedDone() <-chan struct{} { return a.feedDone }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	// Cross-section checks before a reload is committed.
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if _, err := mapPeer(cfg); err != nil {
			return err
		}
		if _, err := mapOutbound(cfg); err != nil {
			return err
		}
		if _, err := mapDebug(cfg); err != nil {
			return err
		}
		if _, _, err := mapJournal(cfg); err != nil {
			return err
		}
		return nil
	})

	// Journal writes stay off the ack path.
	a.sup.Go("outbound.journal", a.notif.RunJournal)

	// The connection loop is restarted with backoff on every loss.
	a.sup.GoRestart("peer.conn", a.tr.Run,
		supervisor.WithRestartBackoff(a.peer.reconnectMin, a.peer.reconnectMax))

	if dcfg, err := mapDebug(a.cfgm.Get()); err != nil {
		return err
	} else if err := a.debug.Apply(a.sup.Context(), dcfg); err != nil {
		// Debug output is optional; never fail startup for it.
		a.log.Warn("debug server not started", logx.Any("err", err))
	}

	events, unsub := a.bus.Subscribe(128, "outbound.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.log.With(logx.Component("systemd"))); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Any("err", err))
		}
	})

	a.log.Info("app started", logx.String("peer", a.peer.transport.URL), logx.String("app_id", a.peer.app.String()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		switch s {
		case config.SectionLogging:
			a.logs.Apply(mapLogging(newCfg))
		case config.SectionPeer, config.SectionOutbound:
			// peer.app_id flows through the outbound config; url/timeouts need a restart.
			if oc, err := mapOutbound(newCfg); err != nil {
				a.log.Warn("invalid outbound config; keeping previous", logx.Any("err", err))
			} else {
				a.notif.Apply(oc)
			}
			if s == config.SectionPeer {
				if ps, err := mapPeer(newCfg); err == nil && connChanged(a.peer, ps) {
					a.log.Warn("peer connection settings changed; restart required for changes to take effect")
				}
			}
		case config.SectionJournal:
			a.log.Warn("journal config changed; restart required for changes to take effect")
		case config.SectionDebug:
			if dc, err := mapDebug(newCfg); err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Any("err", err))
			} else if err := a.debug.Apply(ctx, dc); err != nil {
				a.log.Warn("debug server reconfigure failed", logx.Any("err", err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func connChanged(a, b peerSettings) bool {
	return a.transport.URL != b.transport.URL ||
		a.transport.DialTimeout != b.transport.DialTimeout ||
		a.transport.WriteTimeout != b.transport.WriteTimeout ||
		a.reconnectMin != b.reconnectMin ||
		a.reconnectMax != b.reconnectMax
}

// RunFeed drives the relay from r under the supervisor. FeedDone is closed
// when r is exhausted or the app stops.
func (a *App) RunFeed(name string, r io.Reader) {
	a.sup.Go("feed", func(c context.Context) error {
		defer a.feedOnce.Do(func() { close(a.feedDone) })
		a.log.Info("feed started", logx.String("source", name))
		err := a.feed.Consume(c, r)
		if err != nil && c.Err() == nil {
			return fmt.Errorf("feed %s: %w", name, err)
		}
		a.log.Info("feed ended", logx.String("source", name))
		return nil
	})
}

// Status is the /status document of the debug server.
type Status struct {
	Uptime     string               `json:"uptime"`
	Peer       PeerStatus           `json:"peer"`
	Outbound   outbound.Snapshot    `json:"outbound"`
	Ride       liveride.RelayStatus `json:"ride"`
	Supervisor supervisor.Status    `json:"supervisor"`
	Journal    []storage.Record     `json:"journal,omitempty"`
	JournalErr string               `json:"journal_error,omitempty"`
}

type PeerStatus struct {
	URL       string `json:"url"`
	AppID     string `json:"app_id"`
	Reachable bool   `json:"reachable"`
}

func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Peer: PeerStatus{
			URL:       a.peer.transport.URL,
			AppID:     a.notif.Snapshot().App,
			Reachable: a.tr.Reachable(),
		},
		Outbound: a.notif.Snapshot(),
		Ride:     a.relay.Status(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Status()
	}
	if a.store != nil {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		recs, err := a.store.Recent(rctx, 20)
		cancel()
		if err != nil {
			st.JournalErr = err.Error()
		}
		st.Journal = recs
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the connection loop and feed start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "outbound", 2*time.Second, a.notif.Close)
	a.step(ctx, "journal", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (and the caller's deadline) so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
