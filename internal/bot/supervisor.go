// Package bot owns the runtime of one replica: it applies the bot
// settings, competes for the leader lock and runs the poller or the
// webhook receiver while it leads.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"panelbot/internal/backup"
	"panelbot/internal/botconfig"
	"panelbot/internal/dispatch"
	"panelbot/internal/eventbus"
	"panelbot/internal/leader"
	"panelbot/internal/notify"
	"panelbot/internal/observability/metrics"
	"panelbot/internal/runtime/supervisor"
	kit "panelbot/internal/transport"
	"panelbot/internal/transport/telegram/adapter"
	"panelbot/internal/transport/telegram/poller"
	"panelbot/internal/transport/telegram/webhook"
	logx "panelbot/pkg/logx"
)

const DefaultStopTimeout = 10 * time.Second

var errLockBusy = errors.New("leader lock is held by another replica")

// Telegram is the Bot API surface the runtime drives.
type Telegram interface {
	poller.API
	kit.Sender
	SetToken(token string) error
	SetWebhook(ctx context.Context, url, secret string) error
	SetMyCommands(ctx context.Context, cmds []adapter.BotCommand) error
}

// ConfigLoader loads the bot settings.
type ConfigLoader interface {
	botconfig.Source
	Load(ctx context.Context) (botconfig.BotConfig, error)
}

type Deps struct {
	Loader     ConfigLoader
	Telegram   Telegram
	Lock       *leader.Lock
	Dispatcher *dispatch.Dispatcher
	Backup     *backup.Job
	Notifier   *notify.Notifier
	Status     *notify.StatusWriter
	Audit      *notify.Recorder
	Webhook    *webhook.Receiver
	Bus        eventbus.Bus
	Cursor     *poller.Cursor
	Poller     poller.Config
	Instance   string
	Log        logx.Logger

	// StopTimeout bounds waiting for the leader loop to exit. 0 means 10s.
	StopTimeout time.Duration
	// OnApply runs after every applied config (log sink target and similar).
	OnApply func(botconfig.BotConfig)
}

type activeRun struct {
	sig    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor holds every mutable runtime field of the bot.
type Supervisor struct {
	d    Deps
	log  logx.Logger
	poll *poller.Poller

	flight singleflight.Group
	resetC chan struct{}
	// armed is the cadence the reload timer currently runs at.
	armed atomic.Int64

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	running  bool
	started  time.Time
	active   *activeRun
	interval time.Duration
	cfg      botconfig.BotConfig
}

func New(d Deps) *Supervisor {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Cursor == nil {
		d.Cursor = &poller.Cursor{}
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	log := d.Log.With(logx.String("comp", "bot"))
	s := &Supervisor{
		d:      d,
		log:    log,
		poll:   poller.New(d.Telegram, d.Dispatcher, d.Cursor, d.Bus, d.Poller, d.Log),
		resetC: make(chan struct{}, 1),
	}
	if d.Dispatcher != nil {
		d.Dispatcher.SetOperator(s)
	}
	return s
}

func (s *Supervisor) Poller() *poller.Poller { return s.poll }

func (s *Supervisor) Current() botconfig.BotConfig { return s.d.Loader.Current() }

// Start loads and applies the settings, then keeps reloading them.
// Failing to read the settings is not fatal; the reload loop retries.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.running = true
	s.started = time.Now()
	sup := s.sup
	s.mu.Unlock()

	if s.d.Audit != nil {
		s.d.Audit.Attach(sup)
	}
	if s.d.Backup != nil {
		s.d.Backup.Start(sup.Context())
	}
	if s.d.Status != nil {
		sup.Go("bot.status", s.d.Status.Run)
	}
	if _, err := s.ApplySettingsNow(ctx); err != nil {
		s.log.Warn("initial settings load failed", logx.Err(err))
	}
	sup.Go("bot.reload", s.reloadLoop)
	s.log.Info("bot runtime started", logx.String("instance", s.d.Instance), logx.String("holder", s.d.Lock.Holder()))
	return nil
}

// Stop aborts the in-flight poll, releases the lock and waits for the
// runtime goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.mu.Unlock()

	s.stopActive(ctx)
	if s.d.Webhook != nil {
		s.d.Webhook.Deactivate()
	}
	if s.d.Backup != nil {
		s.d.Backup.Stop(ctx)
	}
	err := sup.Stop(ctx)
	if s.d.Audit != nil {
		if werr := s.d.Audit.Wait(ctx); werr != nil && err == nil {
			err = werr
		}
		s.d.Audit.Attach(nil)
	}
	s.log.Info("bot runtime stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ApplySettingsNow loads and applies the settings synchronously.
// Concurrent callers share one load.
func (s *Supervisor) ApplySettingsNow(ctx context.Context) (botconfig.BotConfig, error) {
	v, err, _ := s.flight.Do("apply", func() (any, error) {
		cfg, err := s.d.Loader.Load(ctx)
		if err != nil {
			metrics.SettingsReloads.WithLabelValues("error").Inc()
			return cfg, err
		}
		metrics.SettingsReloads.WithLabelValues("ok").Inc()
		s.apply(ctx, cfg)
		return cfg, nil
	})
	cfg, _ := v.(botconfig.BotConfig)
	return cfg, err
}

// NotifyEvent forwards a portal event to the default target.
func (s *Supervisor) NotifyEvent(ctx context.Context, ev notify.Event) (string, error) {
	if s.d.Notifier == nil {
		return "", errors.New("notifications are not configured")
	}
	st, err := s.d.Notifier.NotifyEvent(ctx, ev)
	return string(st), err
}

func runSignature(cfg botconfig.BotConfig) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", cfg.Token, cfg.Mode, cfg.WebhookURL, cfg.WebhookSecret)
}

func (s *Supervisor) apply(ctx context.Context, cfg botconfig.BotConfig) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	prev := s.cfg
	s.cfg = cfg
	sup := s.sup
	if iv := cfg.ReloadInterval(); iv != s.interval {
		s.interval = iv
		select {
		case s.resetC <- struct{}{}:
		default:
			// A reset is already pending and re-reads the interval.
		}
	}
	s.mu.Unlock()

	if err := s.d.Telegram.SetToken(cfg.Token); err != nil {
		s.log.Warn("apply bot token failed", logx.Err(err))
	}
	if s.d.OnApply != nil {
		s.d.OnApply(cfg)
	}
	if s.d.Backup != nil {
		bc := cfg
		if !cfg.Enabled {
			bc.BackupEnabled = false
		}
		s.d.Backup.Reschedule(bc)
	}

	// Webhook mode without a URL stays idle rather than falling back to polling.
	want := cfg.Polling() || cfg.Webhook()
	if s.d.Webhook != nil {
		if cfg.Webhook() {
			s.d.Webhook.Activate(cfg.WebhookSecret)
		} else {
			s.d.Webhook.Deactivate()
		}
	}

	sig := runSignature(cfg)
	s.mu.Lock()
	cur := s.active
	s.mu.Unlock()
	if cur != nil && (!want || cur.sig != sig) {
		s.stopActive(ctx)
		cur = nil
	}
	if prev.Webhook() && !cfg.Webhook() {
		s.unregisterWebhook(ctx, cfg)
	}
	if want && cur == nil {
		s.startActive(sup, cfg, sig)
	}
	if prev.Enabled != cfg.Enabled || prev.Mode != cfg.Mode {
		s.log.Info("bot settings applied",
			logx.Bool("enabled", cfg.Enabled),
			logx.String("mode", string(cfg.Mode)),
			logx.Bool("token", cfg.HasToken()),
			logx.Int64("target", cfg.DefaultTargetID),
		)
	}
}

func (s *Supervisor) startActive(sup *supervisor.Supervisor, cfg botconfig.BotConfig, sig string) {
	ctx, cancel := context.WithCancel(sup.Context())
	run := &activeRun{sig: sig, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active = run
	s.mu.Unlock()
	if cfg.Webhook() {
		sup.Go("bot.webhook", func(context.Context) error {
			defer close(run.done)
			return s.webhookLoop(ctx, cfg)
		})
		return
	}
	sup.Go("bot.leader", func(context.Context) error {
		defer close(run.done)
		return s.leaderLoop(ctx)
	})
}

// stopActive cancels the leader loop, aborts a blocked poll and waits
// for the lock to be released.
func (s *Supervisor) stopActive(ctx context.Context) {
	s.mu.Lock()
	run := s.active
	s.active = nil
	s.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	s.poll.Abort()

	wctx, cancel := context.WithTimeout(ctx, s.d.StopTimeout)
	defer cancel()
	select {
	case <-run.done:
	case <-wctx.Done():
		s.log.Warn("leader loop did not stop in time; releasing the lock")
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.d.Lock.Release(rctx)
		rcancel()
	}
}

func (s *Supervisor) setLeader(held bool) {
	v := 0.0
	if held {
		v = 1
	}
	metrics.Leader.Set(v)
	s.d.Bus.Publish(eventbus.Event{Type: leader.EventTypeChanged, Data: leader.Change{Held: held, Epoch: s.d.Lock.Epoch()}})
}

func (s *Supervisor) leaderLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.d.Lock.TryAcquire(ctx) {
			s.setLeader(true)
			err := s.d.Lock.Hold(ctx, func(hctx context.Context) error { return s.lead(hctx) })

			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.d.Lock.Release(rctx)
			cancel()
			s.setLeader(false)

			switch {
			case errors.Is(err, leader.ErrLockLost):
				s.log.Warn("leadership lost; standing by")
			case err != nil && ctx.Err() == nil:
				s.log.Warn("leader run failed", logx.Err(err))
			}
		}
		t := time.NewTimer(s.d.Lock.RetryInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// lead runs while this replica holds the lock.
func (s *Supervisor) lead(ctx context.Context) error {
	s.publishCommands(ctx)
	return s.poll.Run(ctx)
}

func (s *Supervisor) publishCommands(ctx context.Context) {
	if s.d.Dispatcher == nil {
		return
	}
	if err := s.d.Telegram.SetMyCommands(ctx, s.d.Dispatcher.Commands()); err != nil && ctx.Err() == nil {
		s.log.Warn("publish command menu failed", logx.Err(err))
	}
}

// withLock runs fn under a short hold of the leader lock. It returns
// errLockBusy when another replica holds it.
func (s *Supervisor) withLock(ctx context.Context, fn func(context.Context) error) error {
	if !s.d.Lock.TryAcquire(ctx) {
		return errLockBusy
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.d.Lock.Release(rctx)
		cancel()
	}()
	return fn(ctx)
}

// webhookLoop registers the push endpoint once and then idles while the
// receiver serves updates. Registrations are serialized through the lock
// but the lock is not kept.
func (s *Supervisor) webhookLoop(ctx context.Context, cfg botconfig.BotConfig) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.withLock(ctx, func(lctx context.Context) error {
			s.publishCommands(lctx)
			return s.d.Telegram.SetWebhook(lctx, cfg.WebhookURL, cfg.WebhookSecret)
		})
		switch {
		case err == nil:
			s.log.Info("webhook registered", logx.String("url", cfg.WebhookURL))
			<-ctx.Done()
			return nil
		case errors.Is(err, errLockBusy):
			s.log.Debug("webhook registration deferred; lock busy")
		case ctx.Err() == nil:
			s.log.Warn("webhook registration failed", logx.Err(fmt.Errorf("set webhook: %w", err)))
		}
		t := time.NewTimer(s.d.Lock.RetryInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// unregisterWebhook removes the push registration after webhook mode
// ends so Telegram stops delivering to a receiver that answers 404.
// A replica holding the lock for polling clears it on its first conflict.
func (s *Supervisor) unregisterWebhook(ctx context.Context, cfg botconfig.BotConfig) {
	if !cfg.HasToken() {
		s.log.Warn("webhook left registered; no token to remove it with")
		return
	}
	err := s.withLock(ctx, s.d.Telegram.DeleteWebhook)
	switch {
	case err == nil:
		s.log.Info("webhook removed")
	case errors.Is(err, errLockBusy):
		s.log.Debug("webhook removal left to the lock holder")
	default:
		s.log.Warn("remove webhook failed", logx.Err(err))
	}
}

func (s *Supervisor) reloadLoop(ctx context.Context) error {
	s.mu.Lock()
	iv := s.interval
	s.mu.Unlock()
	if iv <= 0 {
		iv = botconfig.DefaultReloadInterval
	}
	t := time.NewTimer(iv)
	defer t.Stop()
	s.armed.Store(int64(iv))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resetC:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			iv = s.currentInterval()
			t.Reset(iv)
			s.armed.Store(int64(iv))
			s.log.Debug("reload interval changed", logx.Duration("every", iv))
		case <-t.C:
			if _, err := s.ApplySettingsNow(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("settings reload failed", logx.Err(err))
			}
			iv = s.currentInterval()
			t.Reset(iv)
			s.armed.Store(int64(iv))
		}
	}
}

func (s *Supervisor) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 {
		return botconfig.DefaultReloadInterval
	}
	return s.interval
}
