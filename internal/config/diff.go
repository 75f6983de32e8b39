package config

import (
	"strings"

	logx "navrelay/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionLogging  = "logging"
	SectionPeer     = "peer"
	SectionOutbound = "outbound"
	SectionJournal  = "journal"
	SectionDebug    = "debug"
)

// SummarizeConfigChange returns the changed sections and safe structured attrs
// for logging. Secrets (journal password, debug token) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if trimmed(oldCfg.Peer) != trimmed(newCfg.Peer) {
		changed = append(changed, SectionPeer)
		attrs = append(attrs,
			logx.String("peer.url", strings.TrimSpace(newCfg.Peer.URL)),
			logx.String("peer.app_id", strings.TrimSpace(newCfg.Peer.AppID)),
		)
	}

	if oldCfg.Outbound != newCfg.Outbound {
		changed = append(changed, SectionOutbound)
		o := newCfg.Outbound
		attrs = append(attrs,
			logx.String("outbound.ack_timeout", o.AckTimeout),
			logx.Int("outbound.retry_rate_per_sec", o.RetryRatePerSec),
			logx.Int("outbound.max_attempts", o.MaxAttempts),
			logx.Int("outbound.max_queue", o.MaxQueue),
			logx.Bool("outbound.trust_order", o.TrustOrder),
		)
	}

	oj, nj := journalOrZero(oldCfg.Journal), journalOrZero(newCfg.Journal)
	if oj != nj {
		changed = append(changed, SectionJournal)
		attrs = append(attrs,
			logx.String("journal.driver", nj.Driver),
			logx.Bool("journal.password_set", nj.Password != ""),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, SectionDebug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	return changed, attrs
}

func trimmed(p PeerConfig) PeerConfig {
	p.URL = strings.TrimSpace(p.URL)
	p.AppID = strings.ToLower(strings.TrimSpace(p.AppID))
	p.DialTimeout = strings.TrimSpace(p.DialTimeout)
	p.WriteTimeout = strings.TrimSpace(p.WriteTimeout)
	p.ReconnectMin = strings.TrimSpace(p.ReconnectMin)
	p.ReconnectMax = strings.TrimSpace(p.ReconnectMax)
	return p
}

func journalOrZero(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}
