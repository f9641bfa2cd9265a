// Package app wires one panelbot replica from its bootstrap file.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"panelbot/internal/accounts"
	"panelbot/internal/backup"
	"panelbot/internal/bot"
	"panelbot/internal/botconfig"
	"panelbot/internal/config"
	"panelbot/internal/dispatch"
	"panelbot/internal/eventbus"
	"panelbot/internal/leader"
	"panelbot/internal/notify"
	"panelbot/internal/observability/httpserver"
	"panelbot/internal/runtime/supervisor"
	"panelbot/internal/storage"
	"panelbot/internal/transport/telegram/adapter"
	"panelbot/internal/transport/telegram/poller"
	"panelbot/internal/transport/telegram/webhook"
	logx "panelbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	bot  *bot.Supervisor
	http *httpserver.Service

	threadID atomic.Int64
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapter(cfg)
	if err != nil {
		return nil, err
	}
	tg := adapter.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))

	// The Telegram sink target is set from the bot settings on every apply.
	logSvc, log := logx.New(mapLogging(cfg), tg)
	root := log
	log = log.With(logx.String("comp", "app"))

	pol, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, pol)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a, err := build(cfg, cfgm, store, tg, logSvc, root, pol)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("storage", sc.Driver),
		logx.String("instance", instanceName(cfg)),
	)
	return a, nil
}

// build assembles the runtime on an open store.
func build(cfg *config.Config, cfgm *config.Manager, store storage.Store, tg *adapter.Client, logSvc *logx.Service, root logx.Logger, pol accounts.ExpiryPolicy) (*App, error) {
	instance := instanceName(cfg)
	bus := eventbus.New()
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	pollCfg, err := mapPoller(cfg)
	if err != nil {
		return nil, err
	}
	leadCfg, err := mapLeader(cfg)
	if err != nil {
		return nil, err
	}
	backupCfg, err := mapBackup(cfg, instance)
	if err != nil {
		return nil, err
	}
	httpCfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	loader := botconfig.NewLoader(store, comp("botconfig"))
	dir := accounts.NewDirectory(store, pol, nil)
	audit := notify.NewRecorder(store, comp("audit"))
	prefs := notify.NewPreferences(store, comp("prefs"))
	cursor := &poller.Cursor{}

	disp := dispatch.New(dispatch.Deps{
		Config:    loader,
		Directory: dir,
		Sender:    tg,
		Prefs:     prefs,
		Audit:     audit,
		Log:       comp("dispatch"),
	})
	hook := webhook.New(disp, cursor, root)
	lock := leader.New(store, leadCfg, comp("leader"))

	a := &App{
		cfgm:  cfgm,
		log:   root.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
	}
	a.threadID.Store(int64(cfg.Logging.Telegram.ThreadID))
	a.bot = bot.New(bot.Deps{
		Loader:     loader,
		Telegram:   tg,
		Lock:       lock,
		Dispatcher: disp,
		Backup:     backup.New(store, dir, tg, loader, audit, backupCfg, comp("backup")),
		Notifier:   notify.NewNotifier(loader, tg, prefs, audit, pol.Location, comp("notify")),
		Status:     notify.NewStatusWriter(store, bus, instance, comp("status")),
		Audit:      audit,
		Webhook:    hook,
		Bus:        bus,
		Cursor:     cursor,
		Poller:     pollCfg,
		Instance:   instance,
		Log:        root,
		OnApply:    a.onBotConfig,
	})
	a.http = httpserver.New(httpCfg, a.bot, root, hook)
	return a, nil
}

// onBotConfig points the Telegram log sink at the bot's default target.
func (a *App) onBotConfig(cfg botconfig.BotConfig) {
	if a.logs == nil {
		return
	}
	if cfg.Enabled && cfg.HasToken() && cfg.HasTarget() {
		a.logs.SetTelegramTarget(cfg.DefaultTargetID, int(a.threadID.Load()))
		return
	}
	a.logs.SetTelegramTarget(0, 0)
}

func (a *App) Bot() *bot.Supervisor { return a.bot }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapHTTP(cfg)
		return err
	})

	if cfg := a.cfgm.Get(); cfg != nil {
		hc, err := mapHTTP(cfg)
		if err != nil {
			return err
		}
		a.http.Reconfigure(a.sup.Context(), hc)
	}
	if err := a.bot.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest of a burst.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyFileConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyFileConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartOnly(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that apply after a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.threadID.Store(int64(next.Logging.Telegram.ThreadID))
	a.logs.Apply(mapLogging(next))
	if a.bot != nil {
		a.onBotConfig(a.bot.Current())
	}
	if hc, err := mapHTTP(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	all := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", all...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The bot goes first so the lock is released while storage is open.
	step("bot", bot.DefaultStopTimeout+2*time.Second, a.bot.Stop)
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
