package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"panelbot/internal/accounts"
	"panelbot/internal/backup"
	"panelbot/internal/config"
	"panelbot/internal/leader"
	"panelbot/internal/observability/httpserver"
	"panelbot/internal/storage"
	"panelbot/internal/transport/telegram/adapter"
	"panelbot/internal/transport/telegram/poller"
	logx "panelbot/pkg/logx"
)

// The map functions convert the file config into component configs.
// They never start anything.

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Accounts.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("accounts.timezone: %w", err)
	}
	return loc, nil
}

func mapPolicy(cfg *config.Config) (accounts.ExpiryPolicy, error) {
	loc, err := mapLocation(cfg)
	if err != nil {
		return accounts.ExpiryPolicy{}, err
	}
	cutoff, err := accounts.ParseCutoff(cfg.Accounts.Cutoff)
	if err != nil {
		return accounts.ExpiryPolicy{}, err
	}
	soon, err := config.ParseDurationOrDefault("accounts.soon_window", cfg.Accounts.SoonWindow, accounts.DefaultSoonWindow)
	if err != nil {
		return accounts.ExpiryPolicy{}, err
	}
	return accounts.ExpiryPolicy{Cutoff: cutoff, SoonWindow: soon, Location: loc}, nil
}

func mapStorageConfig(cfg *config.Config, pol accounts.ExpiryPolicy) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, errors.New("storage.driver=none: the bot needs the shared database")
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Location:    pol.Location,
		Cutoff:      pol.Cutoff,
	}, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapAdapter(cfg *config.Config) (adapter.Config, error) {
	rt, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{APIURL: strings.TrimSpace(cfg.Telegram.APIURL), RequestTimeout: rt}, nil
}

func mapPoller(cfg *config.Config) (poller.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{PollTimeout: pt}, nil
}

func mapLeader(cfg *config.Config) (leader.Config, error) {
	ttl, err := config.ParseDurationField("leader.ttl", cfg.Leader.TTL)
	if err != nil {
		return leader.Config{}, err
	}
	retry, err := config.ParseDurationField("leader.retry_interval", cfg.Leader.RetryInterval)
	if err != nil {
		return leader.Config{}, err
	}
	return leader.Config{Key: cfg.Leader.Key, TTL: ttl, RetryInterval: retry}, nil
}

func mapBackup(cfg *config.Config, instance string) (backup.Config, error) {
	minIv, err := config.ParseDurationOrDefault("backup.min_interval", cfg.Backup.MinInterval, backup.DefaultMinInterval)
	if err != nil {
		return backup.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("backup.timeout", cfg.Backup.Timeout, backup.DefaultTimeout)
	if err != nil {
		return backup.Config{}, err
	}
	return backup.Config{
		MinInterval: minIv,
		Timeout:     timeout,
		TempDir:     strings.TrimSpace(cfg.Backup.TempDir),
		Instance:    instance,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	out := httpserver.Config{
		Enabled:              hc.Enabled,
		Addr:                 strings.TrimSpace(hc.Addr),
		Token:                strings.TrimSpace(hc.Token),
		AllowInsecure:        hc.AllowInsecure,
		Pprof:                hc.Pprof,
		PprofPrefix:          strings.TrimSpace(hc.PprofPrefix),
		MutexProfileFraction: hc.MutexProfileFraction,
		BlockProfileRate:     hc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = httpserver.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if out.Enabled && !out.AllowInsecure && out.Token == "" && !httpserver.IsLoopbackAddr(out.Addr) {
		return out, errors.New("http: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}

func instanceName(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Instance); s != "" {
		return s
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "panelbot"
}
