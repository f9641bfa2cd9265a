package botconfig

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	logx "panelbot/pkg/logx"
)

// Settings is the read side of the settings store.
type Settings interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error)
}

// Source hands out the current config snapshot.
type Source interface {
	Current() BotConfig
}

// Loader reads the bot blob and publishes it atomically.
type Loader struct {
	settings Settings
	log      logx.Logger

	mu  sync.Mutex // serializes Load
	cur atomic.Pointer[BotConfig]
}

func NewLoader(settings Settings, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loader{settings: settings, log: log}
	d := Default()
	l.cur.Store(&d)
	return l
}

func (l *Loader) Current() BotConfig {
	if p := l.cur.Load(); p != nil {
		return *p
	}
	return Default()
}

// Load refreshes the snapshot. On a store or decode error the previous
// snapshot stays in place and is returned together with the error.
func (l *Loader) Load(ctx context.Context) (BotConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.Current()
	raw, ok, err := l.settings.GetSetting(ctx, SettingsKey)
	if err != nil {
		l.log.Warn("bot settings read failed; keeping previous", logx.Err(err))
		return prev, err
	}
	if !ok {
		next := Default()
		l.cur.Store(&next)
		return next, nil
	}
	next, warns, err := Parse(raw, prev)
	if err != nil {
		l.log.Warn("bot settings malformed; keeping previous", logx.Err(err))
		return prev, err
	}
	for _, w := range warns {
		l.log.Warn("bot settings", logx.String("field", w))
	}
	l.cur.Store(&next)
	return next, nil
}
