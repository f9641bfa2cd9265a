// Package botconfig owns the runtime bot settings stored under the
// "bot" settings key. Values are parsed leniently because the portal's
// form layer writes numbers and booleans as strings.
package botconfig

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// SettingsKey is the settings row holding the bot configuration blob.
const SettingsKey = "bot"

var ErrNoToken = errors.New("bot token is not configured")

type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebhook Mode = "webhook"
)

const (
	DefaultReloadInterval = 60 * time.Second
	MinReloadInterval     = 10 * time.Second
	MaxReloadInterval     = time.Hour
)

type BotConfig struct {
	Token                 string  `json:"token"`
	DefaultTargetID       int64   `json:"default_target_id"`
	Enabled               bool    `json:"enabled"`
	AllowedIDs            []int64 `json:"allowed_ids,omitempty"`
	LoginNotify           bool    `json:"login_notify"`
	BackupEnabled         bool    `json:"backup_enabled"`
	BackupCron            string  `json:"backup_cron,omitempty"`
	BackupTimezone        string  `json:"backup_timezone,omitempty"`
	BackupIntervalMinutes int     `json:"backup_interval_minutes,omitempty"`
	ReloadIntervalSeconds int     `json:"reload_interval_seconds,omitempty"`
	Mode                  Mode    `json:"mode"`
	WebhookURL            string  `json:"webhook_url,omitempty"`
	WebhookSecret         string  `json:"webhook_secret,omitempty"`
}

// Default is the config used when no blob exists: disabled, polling.
func Default() BotConfig {
	return BotConfig{
		LoginNotify:           true,
		ReloadIntervalSeconds: int(DefaultReloadInterval / time.Second),
		Mode:                  ModePolling,
	}
}

func (c BotConfig) HasToken() bool { return strings.TrimSpace(c.Token) != "" }

func (c BotConfig) HasTarget() bool { return c.DefaultTargetID != 0 }

// ReloadInterval is the settings poll cadence clamped to [10s, 1h].
func (c BotConfig) ReloadInterval() time.Duration {
	if c.ReloadIntervalSeconds <= 0 {
		return DefaultReloadInterval
	}
	d := time.Duration(c.ReloadIntervalSeconds) * time.Second
	return min(max(d, MinReloadInterval), MaxReloadInterval)
}

// Polling reports whether the bot should consume updates via getUpdates.
func (c BotConfig) Polling() bool {
	return c.Enabled && c.HasToken() && c.Mode != ModeWebhook
}

// Webhook reports whether the bot should receive pushed updates.
func (c BotConfig) Webhook() bool {
	return c.Enabled && c.HasToken() && c.Mode == ModeWebhook && c.WebhookURL != ""
}

func (c BotConfig) AllowListConfigured() bool { return len(c.AllowedIDs) > 0 }

func (c BotConfig) Listed(id int64) bool { return id != 0 && slices.Contains(c.AllowedIDs, id) }

// AllowsEntry decides whether a chat may open menus and run commands.
// With an allow-list either the chat or the sender must be listed;
// otherwise only the default target chat is served (any chat when unset).
func (c BotConfig) AllowsEntry(chatID, userID int64) bool {
	if c.AllowListConfigured() {
		return c.Listed(chatID) || c.Listed(userID)
	}
	if !c.HasTarget() {
		return true
	}
	return chatID == c.DefaultTargetID
}

// AllowsMutation is stricter than AllowsEntry: with an allow-list the
// acting user must be listed, a listed group chat is not enough.
func (c BotConfig) AllowsMutation(chatID, userID int64) bool {
	if c.AllowListConfigured() {
		return c.Listed(userID)
	}
	return c.HasTarget() && chatID == c.DefaultTargetID
}

// Redacted returns a copy safe for logs and backups.
func (c BotConfig) Redacted() BotConfig {
	out := c
	out.Token = Mask(c.Token)
	out.WebhookSecret = Mask(c.WebhookSecret)
	out.AllowedIDs = slices.Clone(c.AllowedIDs)
	return out
}

// Mask hides a secret, keeping the last four characters of long values.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}
