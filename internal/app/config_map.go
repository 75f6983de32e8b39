package app

import (
	"strings"
	"time"

	"navrelay/internal/config"
	"navrelay/internal/observability/pprof"
	"navrelay/internal/outbound"
	"navrelay/internal/peer"
	"navrelay/internal/peer/wsock"
	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

type Config = config.Config

func mapLogging(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// peerSettings is the resolved peer section.
type peerSettings struct {
	app          peer.AppID
	transport    wsock.Config
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func mapPeer(cfg *Config) (peerSettings, error) {
	p := cfg.Peer
	app, err := peer.ParseAppID(p.AppID)
	if err != nil {
		return peerSettings{}, err
	}
	dial, err := config.ParseDurationOrDefault("peer.dial_timeout", p.DialTimeout, 5*time.Second)
	if err != nil {
		return peerSettings{}, err
	}
	write, err := config.ParseDurationOrDefault("peer.write_timeout", p.WriteTimeout, 5*time.Second)
	if err != nil {
		return peerSettings{}, err
	}
	rmin, err := config.ParseDurationOrDefault("peer.reconnect_min", p.ReconnectMin, 500*time.Millisecond)
	if err != nil {
		return peerSettings{}, err
	}
	rmax, err := config.ParseDurationOrDefault("peer.reconnect_max", p.ReconnectMax, 30*time.Second)
	if err != nil {
		return peerSettings{}, err
	}
	return peerSettings{
		app: app,
		transport: wsock.Config{
			URL:          strings.TrimSpace(p.URL),
			DialTimeout:  dial,
			WriteTimeout: write,
		},
		reconnectMin: rmin,
		reconnectMax: rmax,
	}, nil
}

func mapOutbound(cfg *Config) (outbound.Config, error) {
	o := cfg.Outbound
	app, err := peer.ParseAppID(cfg.Peer.AppID)
	if err != nil {
		return outbound.Config{}, err
	}
	ack, err := config.ParseTimeoutField("outbound.ack_timeout", o.AckTimeout)
	if err != nil {
		return outbound.Config{}, err
	}
	send, err := config.ParseDurationField("outbound.send_timeout", o.SendTimeout)
	if err != nil {
		return outbound.Config{}, err
	}
	return outbound.Config{
		App:             app,
		AckTimeout:      ack,
		SendTimeout:     send,
		RetryRatePerSec: o.RetryRatePerSec,
		MaxAttempts:     o.MaxAttempts,
		MaxQueue:        o.MaxQueue,
		TrustOrder:      o.TrustOrder,
	}, nil
}

// mapJournal returns enabled=false when the journal is omitted or driver is "none".
func mapJournal(cfg *Config) (storage.Config, bool, error) {
	j := cfg.Journal
	if j == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(j.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", j.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(j.Path),
		BusyTimeout: busy,
		Addr:        strings.TrimSpace(j.Addr),
		Password:    j.Password,
		DB:          j.DB,
		Key:         strings.TrimSpace(j.Key),
		MaxEntries:  j.MaxEntries,
	}, true, nil
}

func mapDebug(cfg *Config) (pprof.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
