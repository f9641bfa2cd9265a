package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"panelbot/internal/storage"
	logx "panelbot/pkg/logx"
)

// PreferencesKey is the settings row with per-chat overrides.
const PreferencesKey = "notification-preferences"

type prefsDoc struct {
	// Targets maps a chat id to whether notifications are delivered.
	// Absent chats follow the global login_notify flag.
	Targets map[string]bool `json:"targets"`
}

// Preferences is the per-chat notification switch backed by the settings
// store, so every replica sees the same value.
type Preferences struct {
	settings storage.Settings
	log      logx.Logger
	mu       sync.Mutex
}

func NewPreferences(settings storage.Settings, log logx.Logger) *Preferences {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Preferences{settings: settings, log: log.With(logx.String("comp", "prefs"))}
}

func (p *Preferences) load(ctx context.Context) (prefsDoc, error) {
	doc := prefsDoc{Targets: map[string]bool{}}
	raw, ok, err := p.settings.GetSetting(ctx, PreferencesKey)
	if err != nil || !ok {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A malformed row is treated as empty and replaced on the next toggle.
		p.log.Warn("notification preferences are malformed", logx.Err(err))
		return prefsDoc{Targets: map[string]bool{}}, nil
	}
	if doc.Targets == nil {
		doc.Targets = map[string]bool{}
	}
	return doc, nil
}

// Lookup returns the override of chatID. set is false when the chat has
// none or the row cannot be read.
func (p *Preferences) Lookup(ctx context.Context, chatID int64) (on, set bool) {
	doc, err := p.load(ctx)
	if err != nil {
		p.log.Debug("read notification preferences failed", logx.Err(err))
		return false, false
	}
	on, set = doc.Targets[strconv.FormatInt(chatID, 10)]
	return on, set
}

// Effective resolves the override of chatID against the global flag.
func (p *Preferences) Effective(ctx context.Context, chatID int64, global bool) bool {
	if on, set := p.Lookup(ctx, chatID); set {
		return on
	}
	return global
}

// Toggle stores the opposite of the effective value as an explicit
// override and returns it.
func (p *Preferences) Toggle(ctx context.Context, chatID int64, global bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.load(ctx)
	if err != nil {
		return false, err
	}
	key := strconv.FormatInt(chatID, 10)
	current, set := doc.Targets[key]
	if !set {
		current = global
	}
	next := !current
	doc.Targets[key] = next
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	if err := p.settings.PutSetting(ctx, PreferencesKey, raw); err != nil {
		return false, err
	}
	p.log.Info("notification preference changed", logx.Int64("chat_id", chatID), logx.Bool("enabled", next))
	return next, nil
}
