// Package poller runs the getUpdates long-poll loop of the leader replica:
// one cancellable request at a time, classified backoff and ordered,
// panic-isolated dispatch with an at-least-once cursor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"panelbot/internal/eventbus"
	"panelbot/internal/observability/metrics"
	kit "panelbot/internal/transport"
	"panelbot/internal/transport/telegram/adapter"
	logx "panelbot/pkg/logx"
)

// Bus event types.
const (
	EventTypeState     = "poller.state"
	EventTypeHeartbeat = "poller.heartbeat"
)

// StateChange is the Data of a poller.state event.
type StateChange struct {
	From, To State
	Streak   int
	Err      string
	Delay    time.Duration
}

// Heartbeat is the Data of a poller.heartbeat event.
type Heartbeat struct {
	Cursor  int
	Batches uint64
}

type API interface {
	GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]kit.Update, error)
	DeleteWebhook(ctx context.Context) error
}

type Handler interface {
	HandleMessage(ctx context.Context, m kit.Message)
	HandleCallback(ctx context.Context, cb kit.Callback)
}

type Config struct {
	PollTimeout    time.Duration // server-side long-poll, default 30s
	NetworkBase    time.Duration // default 2s
	NetworkCeiling time.Duration // default 5m
	ConflictDelay  time.Duration // default 30s
	OtherDelay     time.Duration // default 5s
	HeartbeatEvery time.Duration // default 15s
	// QuietStreak is the network failure streak after which failures are
	// logged at most once a minute.
	QuietStreak int
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.NetworkBase <= 0 {
		c.NetworkBase = 2 * time.Second
	}
	if c.NetworkCeiling <= 0 {
		c.NetworkCeiling = 5 * time.Minute
	}
	if c.ConflictDelay <= 0 {
		c.ConflictDelay = 30 * time.Second
	}
	if c.OtherDelay <= 0 {
		c.OtherDelay = 5 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.QuietStreak <= 0 {
		c.QuietStreak = 3
	}
	return c
}

var allStates = []string{string(StateStopped), string(StateStarting), string(StatePolling), string(StateBackoff)}

// Poller is reusable: Run may be called again after it returns, resuming
// from the committed cursor.
type Poller struct {
	api     API
	handler Handler
	bus     eventbus.Bus
	log     logx.Logger
	cfg     Config

	cursor    *Cursor
	canceller Canceller

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	running bool
	batches uint64
}

func New(api API, handler Handler, cursor *Cursor, bus eventbus.Bus, cfg Config, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cursor == nil {
		cursor = &Cursor{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Poller{
		api:     api,
		handler: handler,
		bus:     bus,
		log:     log.With(logx.String("comp", "poller")),
		cfg:     cfg.withDefaults(),
		cursor:  cursor,
		sleep:   sleepCtx,
		state:   StateStopped,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Poller) Cursor() *Cursor { return p.cursor }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Abort cancels the in-flight getUpdates, if any.
func (p *Poller) Abort() bool { return p.canceller.Abort() }

func (p *Poller) InFlight() bool { return p.canceller.InFlight() }

func (p *Poller) fire(e Event, streak int, err error, delay time.Duration) {
	p.mu.Lock()
	from := p.state
	to, ok := Transition(from, e)
	if !ok {
		p.mu.Unlock()
		p.log.Debug("ignored poller event", logx.String("state", string(from)), logx.String("event", string(e)))
		return
	}
	p.state = to
	p.mu.Unlock()

	// Steady polling is reported through heartbeats.
	if from == to {
		return
	}
	metrics.SetPollerState(string(to), allStates)
	sc := StateChange{From: from, To: to, Streak: streak, Delay: delay}
	if err != nil {
		sc.Err = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: EventTypeState, Data: sc})
}

// Run polls until ctx is canceled. It returns nil on a clean stop.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.canceller.Abort()
		p.fire(EventStop, 0, nil, 0)
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.fire(EventStart, 0, nil, 0)
	p.fire(EventReady, 0, nil, 0)
	p.log.Info("polling started", logx.Int("offset", p.cursor.Next()))

	var (
		nb              = Backoff{Base: p.cfg.NetworkBase, Ceiling: p.cfg.NetworkCeiling}
		conflictDeleted bool
		quiet           = rate.Sometimes{Interval: time.Minute}
		heartbeat       = rate.Sometimes{Interval: p.cfg.HeartbeatEvery}
	)

	for {
		if ctx.Err() != nil {
			p.log.Info("polling stopped", logx.Int("cursor", p.cursor.Last()))
			return nil
		}

		rctx, done := p.canceller.Begin(ctx)
		ups, err := p.api.GetUpdates(rctx, p.cursor.Next(), p.cfg.PollTimeout)
		done()

		class := Classify(err)
		if class == ClassNone {
			metrics.PollRequests.WithLabelValues("ok").Inc()
			nb.Reset()
			conflictDeleted = false
			p.fire(EventPollOK, 0, nil, 0)

			if !p.dispatchBatch(ctx, ups) {
				continue
			}
			p.mu.Lock()
			p.batches++
			batches := p.batches
			p.mu.Unlock()
			heartbeat.Do(func() {
				p.bus.Publish(eventbus.Event{Type: EventTypeHeartbeat, Data: Heartbeat{Cursor: p.cursor.Last(), Batches: batches}})
			})
			continue
		}
		metrics.PollRequests.WithLabelValues(string(class)).Inc()

		var delay time.Duration
		switch class {
		case ClassCanceled:
			// Aborted request; the loop condition decides whether to stop.
			continue
		case ClassNetwork:
			delay = nb.Fail()
			if nb.Streak() <= p.cfg.QuietStreak {
				p.log.Warn("poll failed (network)", logx.Err(err), logx.Int("streak", nb.Streak()), logx.Duration("retry_in", delay))
			} else {
				quiet.Do(func() {
					p.log.Warn("poll still failing (network)", logx.Err(err), logx.Int("streak", nb.Streak()), logx.Duration("retry_in", delay))
				})
			}
		case ClassConflict:
			delay = p.cfg.ConflictDelay
			p.log.Warn("poll conflict: another consumer or webhook is active", logx.Err(err))
			if !conflictDeleted {
				conflictDeleted = true
				if derr := p.api.DeleteWebhook(ctx); derr != nil {
					p.log.Warn("deleteWebhook failed", logx.Err(derr))
				}
			}
		default:
			nb.Reset()
			delay = p.cfg.OtherDelay
			var ae *adapter.APIError
			if errors.As(err, &ae) && ae.RetryAfter > 0 {
				delay = ae.RetryAfter
			}
			p.log.Warn("poll failed", logx.Err(err), logx.Duration("retry_in", delay))
		}

		p.fire(EventPollFailed, nb.Streak(), err, delay)
		if p.sleep(ctx, delay) != nil {
			continue
		}
		p.fire(EventBackoffDone, 0, nil, 0)
	}
}

// dispatchBatch handles ups in order and commits the cursor afterwards.
// A stop mid-batch leaves the cursor untouched so the batch is redelivered.
func (p *Poller) dispatchBatch(ctx context.Context, ups []kit.Update) bool {
	maxID := 0
	for _, u := range ups {
		if ctx.Err() != nil {
			p.log.Info("stop during batch; batch will be redelivered", logx.Int("size", len(ups)))
			return false
		}
		if p.cursor.Seen(u.ID) {
			continue
		}
		DispatchUpdate(ctx, p.handler, u, "poll", p.log)
		maxID = max(maxID, u.ID)
	}
	if maxID > 0 {
		p.cursor.Advance(maxID)
	}
	return true
}

// DispatchUpdate routes one update to h and recovers from handler panics.
func DispatchUpdate(ctx context.Context, h Handler, u kit.Update, source string, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			log.Error("update handler panic",
				logx.Int("update_id", u.ID),
				logx.String("kind", string(u.Kind)),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())))
		}
	}()
	metrics.UpdatesDispatched.WithLabelValues(string(u.Kind), source).Inc()
	switch u.Kind {
	case kit.UpdateMessage:
		if u.Message != nil {
			h.HandleMessage(ctx, *u.Message)
		}
	case kit.UpdateCallback:
		if u.Callback != nil {
			h.HandleCallback(ctx, *u.Callback)
		}
	}
}
