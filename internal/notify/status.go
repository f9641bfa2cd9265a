package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"panelbot/internal/eventbus"
	"panelbot/internal/leader"
	"panelbot/internal/storage"
	"panelbot/internal/transport/telegram/poller"
	logx "panelbot/pkg/logx"
)

// StatusKey is the settings row read by the admin portal.
const StatusKey = "bot-status"

const DefaultStatusThrottle = 15 * time.Second

type BotStatus struct {
	State         string    `json:"state"`
	Leader        bool      `json:"leader"`
	Instance      string    `json:"instance"`
	Cursor        int       `json:"cursor"`
	LastOKAt      time.Time `json:"last_ok_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	FailureStreak int       `json:"failure_streak"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusWriter folds poller and leadership events into BotStatus and
// persists it, at most once per throttle window unless the state or the
// leadership changed.
type StatusWriter struct {
	settings storage.Settings
	bus      eventbus.Bus
	log      logx.Logger
	throttle time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cur       BotStatus
	written   BotStatus
	lastWrite time.Time
}

func NewStatusWriter(settings storage.Settings, bus eventbus.Bus, instance string, log logx.Logger) *StatusWriter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StatusWriter{
		settings: settings,
		bus:      bus,
		log:      log.With(logx.String("comp", "status")),
		throttle: DefaultStatusThrottle,
		now:      time.Now,
		cur:      BotStatus{State: string(poller.StateStopped), Instance: instance},
	}
}

func (w *StatusWriter) Snapshot() BotStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Run consumes events until ctx ends, then writes the final status.
func (w *StatusWriter) Run(ctx context.Context) error {
	ch, unsub := w.bus.Subscribe(64, poller.EventTypeState, poller.EventTypeHeartbeat, leader.EventTypeChanged)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx), true)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *StatusWriter) handle(ctx context.Context, ev eventbus.Event) {
	at := ev.Time
	if at.IsZero() {
		at = w.now()
	}
	w.mu.Lock()
	switch d := ev.Data.(type) {
	case poller.StateChange:
		w.cur.State = string(d.To)
		w.cur.FailureStreak = d.Streak
		if d.Err != "" {
			w.cur.LastError, w.cur.LastErrorAt = d.Err, at
		}
		if d.To == poller.StatePolling {
			w.cur.LastOKAt = at
		}
	case poller.Heartbeat:
		w.cur.Cursor = d.Cursor
		w.cur.LastOKAt = at
		w.cur.FailureStreak = 0
	case leader.Change:
		w.cur.Leader = d.Held
	default:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.flush(ctx, false)
}

func (w *StatusWriter) flush(ctx context.Context, force bool) {
	w.mu.Lock()
	now := w.now()
	changed := w.cur.State != w.written.State || w.cur.Leader != w.written.Leader
	if !force && !changed && !w.lastWrite.IsZero() && now.Sub(w.lastWrite) < w.throttle {
		w.mu.Unlock()
		return
	}
	st := w.cur
	st.UpdatedAt = now
	w.written, w.lastWrite = st, now
	w.mu.Unlock()

	raw, err := json.Marshal(st)
	if err == nil {
		err = w.settings.PutSetting(ctx, StatusKey, raw)
	}
	if err != nil {
		w.log.Debug("write bot status failed", logx.Err(err))
	}
}
