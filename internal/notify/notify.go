package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"panelbot/internal/botconfig"
	"panelbot/internal/observability/metrics"
	"panelbot/internal/storage"
	kit "panelbot/internal/transport"
	logx "panelbot/pkg/logx"
	"panelbot/pkg/tgui"
)

const KindLogin = "login"

// Event is a portal-side occurrence forwarded to the default target chat.
type Event struct {
	Kind      string
	Username  string
	IP        string
	UserAgent string
	At        time.Time
	// SubjectIDs are the portal ids the event refers to.
	SubjectIDs []int64
}

type Sink interface {
	Record(rec storage.AuditRecord)
}

type Notifier struct {
	cfg    botconfig.Source
	sender kit.TextSender
	prefs  *Preferences
	audit  Sink
	log    logx.Logger
	loc    *time.Location
}

func NewNotifier(cfg botconfig.Source, sender kit.TextSender, prefs *Preferences, audit Sink, loc *time.Location, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Notifier{cfg: cfg, sender: sender, prefs: prefs, audit: audit, loc: loc, log: log.With(logx.String("comp", "notify"))}
}

// NotifyEvent delivers ev when the bot and the target allow it. Every
// call leaves exactly one audit row; skips are not errors.
func (n *Notifier) NotifyEvent(ctx context.Context, ev Event) (storage.AuditStatus, error) {
	if ev.Kind == "" {
		ev.Kind = KindLogin
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	cfg := n.cfg.Current()
	payload, _ := json.Marshal(map[string]string{"username": ev.Username, "ip": ev.IP})
	rec := storage.AuditRecord{
		Kind:       ev.Kind,
		TargetID:   cfg.DefaultTargetID,
		SubjectIDs: ev.SubjectIDs,
		Payload:    payload,
	}

	status := n.guard(ctx, cfg, ev)
	var err error
	if status == "" {
		_, err = n.render(ev).Send(ctx, n.sender, kit.ChatTarget{ChatID: cfg.DefaultTargetID})
		status = storage.AuditSent
		if err != nil {
			status = storage.AuditFailed
			rec.Error = err.Error()
			err = fmt.Errorf("notify %s: %w", ev.Kind, err)
		}
	}
	rec.Status = status
	if n.audit != nil {
		n.audit.Record(rec)
	}
	metrics.Notifications.WithLabelValues(ev.Kind, string(status)).Inc()
	if err != nil {
		n.log.Warn("notification failed", logx.String("kind", ev.Kind), logx.Err(err))
	} else {
		n.log.Debug("notification processed", logx.String("kind", ev.Kind), logx.String("status", string(status)))
	}
	return status, err
}

func (n *Notifier) guard(ctx context.Context, cfg botconfig.BotConfig, ev Event) storage.AuditStatus {
	switch {
	case !cfg.Enabled:
		return storage.AuditSkippedDisabled
	case !cfg.HasToken():
		return storage.AuditSkippedNoToken
	case !cfg.HasTarget():
		return storage.AuditSkippedNoTarget
	}
	// Only login events are gated by the global flag.
	global := ev.Kind != KindLogin || cfg.LoginNotify
	if n.prefs != nil {
		if on, set := n.prefs.Lookup(ctx, cfg.DefaultTargetID); set {
			if !on {
				return storage.AuditSkippedOptOut
			}
			return ""
		}
	}
	if !global {
		return storage.AuditSkippedDisabled
	}
	return ""
}

func (n *Notifier) render(ev Event) tgui.Message {
	title := "Portal event: " + ev.Kind
	if ev.Kind == KindLogin {
		title = "Admin login"
	}
	b := tgui.New().Title("🔐", title)
	if ev.Username != "" {
		b.KV("User", ev.Username)
	}
	if ev.IP != "" {
		b.KV("IP", ev.IP)
	}
	if ua := strings.TrimSpace(ev.UserAgent); ua != "" {
		b.KV("Client", tgui.TruncRunes(ua, 120))
	}
	return b.KV("Time", ev.At.In(n.loc).Format("2006-01-02 15:04:05 MST")).Build()
}
