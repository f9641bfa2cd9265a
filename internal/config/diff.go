package config

import (
	"sort"
	"strings"

	logx "panelbot/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionInstance = "instance"
	SectionLogging  = "logging"
	SectionStorage  = "storage"
	SectionTelegram = "telegram"
	SectionHTTP     = "http"
	SectionLeader   = "leader"
	SectionBackup   = "backup"
	SectionAccounts = "accounts"
)

// SummarizeChange returns the changed sections and safe fields for
// logging. Tokens and paths are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)
	mark := func(section string, fs ...logx.Field) {
		changed = append(changed, section)
		fields = append(fields, fs...)
	}

	if strings.TrimSpace(oldCfg.Instance) != strings.TrimSpace(newCfg.Instance) {
		mark(SectionInstance, logx.String("instance", newCfg.Instance))
	}

	if oldCfg.Logging != newCfg.Logging {
		mark(SectionLogging,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if trim(o.Driver) != trim(n.Driver) || trim(o.Path) != trim(n.Path) || trim(o.BusyTimeout) != trim(n.BusyTimeout) {
		mark(SectionStorage,
			logx.String("storage.driver", trim(n.Driver)),
			logx.Bool("storage.path_set", trim(n.Path) != ""),
			logx.String("storage.busy_timeout", trim(n.BusyTimeout)),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		mark(SectionTelegram,
			logx.Bool("telegram.api_url_set", trim(newCfg.Telegram.APIURL) != ""),
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
			logx.String("telegram.request_timeout", trim(newCfg.Telegram.RequestTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark(SectionHTTP,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", trim(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Leader != newCfg.Leader {
		mark(SectionLeader,
			logx.Int64("leader.key", newCfg.Leader.Key),
			logx.String("leader.ttl", trim(newCfg.Leader.TTL)),
			logx.String("leader.retry_interval", trim(newCfg.Leader.RetryInterval)),
		)
	}

	if oldCfg.Backup != newCfg.Backup {
		mark(SectionBackup,
			logx.String("backup.min_interval", trim(newCfg.Backup.MinInterval)),
			logx.String("backup.timeout", trim(newCfg.Backup.Timeout)),
		)
	}

	if oldCfg.Accounts != newCfg.Accounts {
		mark(SectionAccounts,
			logx.String("accounts.timezone", trim(newCfg.Accounts.Timezone)),
			logx.String("accounts.cutoff", trim(newCfg.Accounts.Cutoff)),
			logx.String("accounts.soon_window", trim(newCfg.Accounts.SoonWindow)),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartOnly lists sections that are read once at startup; a change
// is logged but takes effect after a restart.
func RestartOnly(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionStorage, SectionLeader, SectionAccounts, SectionInstance, SectionTelegram, SectionBackup:
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }
