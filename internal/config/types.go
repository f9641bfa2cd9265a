package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"panelbot/internal/accounts"
)

// Config is the process bootstrap file. Runtime bot behaviour (token, mode,
// targets, backup schedule) lives in the settings store, not here.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Instance names this replica in status rows and backup reports.
	// Empty means the hostname.
	Instance string         `json:"instance,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	HTTP     HTTPConfig     `json:"http"`
	Leader   LeaderConfig   `json:"leader"`
	Backup   BackupConfig   `json:"backup"`
	Accounts AccountsConfig `json:"accounts"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings to the bot's default target chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the database shared with the admin portal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/panel/panel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	APIURL         string `json:"api_url,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`    // default 30s
	RequestTimeout string `json:"request_timeout,omitempty"` // default 10s
}

// HTTPConfig controls the ops server (health, metrics, pprof, webhook).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - A non-loopback bind needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LeaderConfig struct {
	Key           int64  `json:"key,omitempty"`
	TTL           string `json:"ttl,omitempty"`            // default 30s
	RetryInterval string `json:"retry_interval,omitempty"` // default 30s
}

type BackupConfig struct {
	MinInterval string `json:"min_interval,omitempty"` // default 5m
	Timeout     string `json:"timeout,omitempty"`      // default 5m
	TempDir     string `json:"temp_dir,omitempty"`
}

type AccountsConfig struct {
	// Timezone interprets date-only and zone-less expiry values.
	Timezone string `json:"timezone,omitempty"`
	// Cutoff is "end_of_day" (default) or "start_of_day".
	Cutoff string `json:"cutoff,omitempty"`
	// SoonWindow is how close to expiry an account counts as expiring soon.
	SoonWindow string `json:"soon_window,omitempty"`
}

// Validate checks everything a reload could get wrong before it is
// committed. It never opens files or sockets.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	case "none":
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.request_timeout", c.Telegram.RequestTimeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"leader.ttl", c.Leader.TTL},
		{"leader.retry_interval", c.Leader.RetryInterval},
		{"backup.min_interval", c.Backup.MinInterval},
		{"backup.timeout", c.Backup.Timeout},
		{"accounts.soon_window", c.Accounts.SoonWindow},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if c.HTTP.Enabled {
		addr := strings.TrimSpace(c.HTTP.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(fmt.Errorf("http.addr: invalid %q (expected host:port): %w", addr, err))
			}
		}
	}
	if c.HTTP.MutexProfileFraction < 0 {
		add(errors.New("http.mutex_profile_fraction must be >= 0"))
	}
	if c.HTTP.BlockProfileRate < 0 {
		add(errors.New("http.block_profile_rate must be >= 0"))
	}

	if tz := strings.TrimSpace(c.Accounts.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("accounts.timezone: %w", err))
		}
	}
	if _, err := accounts.ParseCutoff(c.Accounts.Cutoff); err != nil {
		add(fmt.Errorf("accounts.cutoff: %w", err))
	}
	return errors.Join(errs...)
}
