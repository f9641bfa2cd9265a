package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelbot/internal/botconfig"
	"panelbot/internal/eventbus"
	"panelbot/internal/leader"
	"panelbot/internal/runtime/supervisor"
	"panelbot/internal/storage"
	kit "panelbot/internal/transport"
	"panelbot/internal/transport/telegram/poller"
	logx "panelbot/pkg/logx"
)

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type staticConfig struct{ cfg botconfig.BotConfig }

func (s staticConfig) Current() botconfig.BotConfig { return s.cfg }

type textSender struct {
	mu   sync.Mutex
	sent []kit.ChatTarget
	err  error
}

func (s *textSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return kit.MessageRef{}, s.err
	}
	s.sent = append(s.sent, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

type sink struct {
	mu   sync.Mutex
	rows []storage.AuditRecord
}

func (s *sink) Record(rec storage.AuditRecord) {
	s.mu.Lock()
	s.rows = append(s.rows, rec)
	s.mu.Unlock()
}

func readyConfig() botconfig.BotConfig {
	cfg := botconfig.Default()
	cfg.Enabled = true
	cfg.Token = "123:abc"
	cfg.DefaultTargetID = -100
	return cfg
}

func TestRecorderWritesAsync(t *testing.T) {
	st := openStore(t)
	r := NewRecorder(st, logx.Nop())
	sup := supervisor.New(context.Background())
	r.Attach(sup)

	for i := 0; i < 3; i++ {
		r.Record(storage.AuditRecord{Kind: "login", Status: storage.AuditSent})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	rows, err := st.ListAudit(ctx, "login", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	// Writes finish even after the supervisor was cancelled.
	sup.Cancel()
	r.Record(storage.AuditRecord{Kind: "login", Status: storage.AuditSent})
	require.NoError(t, r.Wait(ctx))
	rows, err = st.ListAudit(ctx, "login", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestPreferencesToggle(t *testing.T) {
	st := openStore(t)
	p := NewPreferences(st, logx.Nop())
	ctx := context.Background()

	_, set := p.Lookup(ctx, -100)
	assert.False(t, set, "absent chats have no override")
	assert.True(t, p.Effective(ctx, -100, true))
	assert.False(t, p.Effective(ctx, -100, false))

	on, err := p.Toggle(ctx, -100, true)
	require.NoError(t, err)
	assert.False(t, on)
	got, set := p.Lookup(ctx, -100)
	assert.True(t, set)
	assert.False(t, got)
	assert.False(t, p.Effective(ctx, -100, true), "an override beats the global flag")
	assert.True(t, p.Effective(ctx, -200, true))

	// A second handle on the same store sees the same preference.
	assert.False(t, NewPreferences(st, logx.Nop()).Effective(ctx, -100, true))

	on, err = p.Toggle(ctx, -100, true)
	require.NoError(t, err)
	assert.True(t, on)

	// With the global flag off, the first toggle opts the chat in.
	on, err = p.Toggle(ctx, -300, false)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestNotifyEventGuards(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*botconfig.BotConfig)
		want storage.AuditStatus
	}{
		{"sent", func(*botconfig.BotConfig) {}, storage.AuditSent},
		{"disabled", func(c *botconfig.BotConfig) { c.Enabled = false }, storage.AuditSkippedDisabled},
		{"no token", func(c *botconfig.BotConfig) { c.Token = "" }, storage.AuditSkippedNoToken},
		{"no target", func(c *botconfig.BotConfig) { c.DefaultTargetID = 0 }, storage.AuditSkippedNoTarget},
		{"login notify off", func(c *botconfig.BotConfig) { c.LoginNotify = false }, storage.AuditSkippedDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := readyConfig()
			tt.mut(&cfg)
			sender, audit := &textSender{}, &sink{}
			n := NewNotifier(staticConfig{cfg: cfg}, sender, NewPreferences(openStore(t), logx.Nop()), audit, time.UTC, logx.Nop())

			got, err := n.NotifyEvent(context.Background(), Event{Kind: KindLogin, Username: "admin", IP: "10.0.0.1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, audit.rows, 1)
			assert.Equal(t, tt.want, audit.rows[0].Status)
			if tt.want == storage.AuditSent {
				assert.Equal(t, []kit.ChatTarget{{ChatID: -100}}, sender.sent)
			} else {
				assert.Empty(t, sender.sent)
			}
		})
	}
}

func TestNotifyEventOptOutAndFailure(t *testing.T) {
	st := openStore(t)
	prefs := NewPreferences(st, logx.Nop())
	_, err := prefs.Toggle(context.Background(), -100, true)
	require.NoError(t, err)

	sender, audit := &textSender{}, &sink{}
	n := NewNotifier(staticConfig{cfg: readyConfig()}, sender, prefs, audit, time.UTC, logx.Nop())
	got, err := n.NotifyEvent(context.Background(), Event{Username: "admin"})
	require.NoError(t, err)
	assert.Equal(t, storage.AuditSkippedOptOut, got)

	_, err = prefs.Toggle(context.Background(), -100, true)
	require.NoError(t, err)
	sender.err = errors.New("telegram down")
	got, err = n.NotifyEvent(context.Background(), Event{Username: "admin"})
	assert.Error(t, err)
	assert.Equal(t, storage.AuditFailed, got)
	require.Len(t, audit.rows, 2)
	assert.Equal(t, "telegram down", audit.rows[1].Error)
}

func TestNotifyEventOverrideBeatsGlobalFlag(t *testing.T) {
	st := openStore(t)
	prefs := NewPreferences(st, logx.Nop())
	ctx := context.Background()
	cfg := readyConfig()
	cfg.LoginNotify = false

	sender, audit := &textSender{}, &sink{}
	n := NewNotifier(staticConfig{cfg: cfg}, sender, prefs, audit, time.UTC, logx.Nop())

	got, err := n.NotifyEvent(ctx, Event{Username: "admin"})
	require.NoError(t, err)
	assert.Equal(t, storage.AuditSkippedDisabled, got, "no override defers to login_notify")

	on, err := prefs.Toggle(ctx, -100, cfg.LoginNotify)
	require.NoError(t, err)
	require.True(t, on)
	got, err = n.NotifyEvent(ctx, Event{Username: "admin"})
	require.NoError(t, err)
	assert.Equal(t, storage.AuditSent, got, "an explicit opt-in overrides login_notify=false")
	assert.Len(t, sender.sent, 1)

	on, err = prefs.Toggle(ctx, -100, cfg.LoginNotify)
	require.NoError(t, err)
	require.False(t, on)
	got, err = n.NotifyEvent(ctx, Event{Username: "admin"})
	require.NoError(t, err)
	assert.Equal(t, storage.AuditSkippedOptOut, got)
	assert.Len(t, audit.rows, 3)
}

func TestStatusWriterThrottle(t *testing.T) {
	st := openStore(t)
	w := NewStatusWriter(st, eventbus.New(), "host-1", logx.Nop())
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	read := func() BotStatus {
		raw, ok, err := st.GetSetting(ctx, StatusKey)
		require.NoError(t, err)
		require.True(t, ok)
		var s BotStatus
		require.NoError(t, json.Unmarshal(raw, &s))
		return s
	}

	w.handle(ctx, eventbus.Event{Time: now, Data: poller.StateChange{From: poller.StateStarting, To: poller.StatePolling}})
	assert.Equal(t, "polling", read().State)

	now = now.Add(time.Second)
	w.handle(ctx, eventbus.Event{Time: now, Data: poller.Heartbeat{Cursor: 42}})
	assert.Equal(t, 0, read().Cursor, "heartbeats inside the window are throttled")
	assert.Equal(t, 42, w.Snapshot().Cursor)

	w.handle(ctx, eventbus.Event{Time: now, Data: leader.Change{Held: true, Epoch: 3}})
	got := read()
	assert.True(t, got.Leader, "leadership changes bypass the throttle")
	assert.Equal(t, 42, got.Cursor)

	now = now.Add(DefaultStatusThrottle)
	w.handle(ctx, eventbus.Event{Time: now, Data: poller.Heartbeat{Cursor: 50}})
	assert.Equal(t, 50, read().Cursor)

	w.handle(ctx, eventbus.Event{Time: now, Data: poller.StateChange{From: poller.StatePolling, To: poller.StateBackoff, Streak: 2, Err: "dial tcp: timeout"}})
	got = read()
	assert.Equal(t, "backoff", got.State)
	assert.Equal(t, 2, got.FailureStreak)
	assert.Equal(t, "dial tcp: timeout", got.LastError)
	assert.Equal(t, "host-1", got.Instance)
}

func TestStatusWriterRunConsumesBus(t *testing.T) {
	st := openStore(t)
	bus := eventbus.New()
	w := NewStatusWriter(st, bus, "host-1", logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.Snapshot().State != string(poller.StatePolling) && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: poller.EventTypeState, Data: poller.StateChange{To: poller.StatePolling}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	raw, ok, err := st.GetSetting(context.Background(), StatusKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"state":"polling"`)
}
