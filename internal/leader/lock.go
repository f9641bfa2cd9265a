// Package leader elects the single replica that consumes the update
// stream. The lock is a renewable lease row in the shared store.
package leader

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"panelbot/internal/storage"
	logx "panelbot/pkg/logx"
)

// DefaultKey is the fixed cluster-wide lock key for update consumption.
const DefaultKey int64 = 727001

var ErrLockLost = errors.New("leader lock lost")

// EventTypeChanged is published on the event bus when this replica gains
// or loses the lock. Data is a Change.
const EventTypeChanged = "leader.changed"

type Change struct {
	Held  bool
	Epoch int64
}

type Config struct {
	Key           int64
	Holder        string
	TTL           time.Duration // default 30s
	RetryInterval time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Key == 0 {
		c.Key = DefaultKey
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = NewHolderID()
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	return c
}

// NewHolderID returns "<hostname>-<uuid>".
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "panelbot"
	}
	return host + "-" + uuid.NewString()
}

type Lock struct {
	leases storage.Leases
	cfg    Config
	log    logx.Logger

	mu    sync.Mutex
	held  bool
	epoch int64
}

func New(leases storage.Leases, cfg Config, log logx.Logger) *Lock {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Lock{
		leases: leases,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "leader"), logx.Int64("lock_key", cfg.Key)),
	}
}

func (l *Lock) Holder() string { return l.cfg.Holder }

func (l *Lock) RetryInterval() time.Duration { return l.cfg.RetryInterval }

func (l *Lock) TTL() time.Duration { return l.cfg.TTL }

// RenewInterval leaves two renewal attempts before the lease expires.
func (l *Lock) RenewInterval() time.Duration { return max(l.cfg.TTL/3, 10*time.Millisecond) }

func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lock) Epoch() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// TryAcquire never blocks on another holder. Store errors count as
// "not acquired".
func (l *Lock) TryAcquire(ctx context.Context) bool {
	epoch, ok, err := l.leases.TryAcquireLease(ctx, l.cfg.Key, l.cfg.Holder, l.cfg.TTL)
	if err != nil {
		l.log.Warn("leader acquire failed", logx.Err(err))
		ok = false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		l.held = false
		return false
	}
	if !l.held || l.epoch != epoch {
		l.log.Info("leader lock acquired", logx.String("holder", l.cfg.Holder), logx.Int64("epoch", epoch))
	}
	l.held, l.epoch = true, epoch
	return true
}

// Renew extends the lease. false means the lock is gone, including when
// the store could not be reached.
func (l *Lock) Renew(ctx context.Context) bool {
	l.mu.Lock()
	held, epoch := l.held, l.epoch
	l.mu.Unlock()
	if !held {
		return false
	}
	ok, err := l.leases.RenewLease(ctx, l.cfg.Key, l.cfg.Holder, epoch, l.cfg.TTL)
	if err != nil && ctx.Err() != nil {
		// Caller gave up; ownership is unknown, not lost.
		return false
	}
	if err != nil {
		l.log.Warn("leader renew failed", logx.Err(err))
		ok = false
	}
	if !ok {
		l.mu.Lock()
		if l.epoch == epoch {
			l.held = false
		}
		l.mu.Unlock()
		l.log.Warn("leader lock lost", logx.Int64("epoch", epoch))
	}
	return ok
}

// Release is idempotent and safe when the lock is not held.
func (l *Lock) Release(ctx context.Context) {
	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return
	}
	if err := l.leases.ReleaseLease(ctx, l.cfg.Key, l.cfg.Holder); err != nil {
		// The lease expires on its own after TTL.
		l.log.Warn("leader release failed", logx.Err(err))
		return
	}
	l.log.Info("leader lock released")
}

// Hold runs fn while renewing the lease in the background. When renewal
// fails fn's context is canceled and Hold returns ErrLockLost. The lock
// must already be held.
func (l *Lock) Hold(ctx context.Context, fn func(ctx context.Context) error) error {
	if !l.Held() {
		return ErrLockLost
	}
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.RenewInterval())
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				rctx, rcancel := context.WithTimeout(hctx, l.RenewInterval())
				ok := l.Renew(rctx)
				rcancel()
				if !ok {
					if hctx.Err() == nil {
						cancel(ErrLockLost)
					}
					return
				}
			}
		}
	}()

	err := fn(hctx)
	cancel(nil)
	<-done
	if errors.Is(context.Cause(hctx), ErrLockLost) {
		return ErrLockLost
	}
	return err
}
