package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"navrelay/internal/storage"
	logx "navrelay/pkg/logx"
)

// Validate rejects configs that would fail at runtime. It is used both at
// startup and before committing a hot reload.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}

	if strings.TrimSpace(c.Peer.URL) == "" {
		errs = append(errs, errors.New("peer.url is required"))
	} else if u, err := url.Parse(strings.TrimSpace(c.Peer.URL)); err != nil {
		errs = append(errs, fmt.Errorf("peer.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("peer.url: scheme must be ws or wss, got %q", u.Scheme))
	}
	if id := strings.TrimSpace(c.Peer.AppID); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			errs = append(errs, fmt.Errorf("peer.app_id: %w", err))
		}
	}
	for _, d := range []struct{ path, raw string }{
		{"peer.dial_timeout", c.Peer.DialTimeout},
		{"peer.write_timeout", c.Peer.WriteTimeout},
		{"peer.reconnect_min", c.Peer.ReconnectMin},
		{"peer.reconnect_max", c.Peer.ReconnectMax},
		{"outbound.ack_timeout", c.Outbound.AckTimeout},
		{"outbound.send_timeout", c.Outbound.SendTimeout},
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Outbound.RetryRatePerSec < 0 {
		errs = append(errs, errors.New("outbound.retry_rate_per_sec must be >= 0"))
	}
	if c.Outbound.MaxAttempts < 0 {
		errs = append(errs, errors.New("outbound.max_attempts must be >= 0"))
	}
	if c.Outbound.MaxQueue < 0 {
		errs = append(errs, errors.New("outbound.max_queue must be >= 0"))
	}

	if j := c.Journal; j != nil {
		if !storage.ValidDriver(j.Driver) {
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, errors.New("journal.path is required when journal.driver=sqlite"))
			}
		case "redis":
			if strings.TrimSpace(j.Addr) == "" {
				errs = append(errs, errors.New("journal.addr is required when journal.driver=redis"))
			}
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
