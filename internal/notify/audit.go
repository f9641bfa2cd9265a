// Package notify delivers login notifications, keeps the per-chat
// notification preference and persists the bot-status row. Audit rows
// are written off the caller's path.
package notify

import (
	"context"
	"sync"
	"time"

	"panelbot/internal/runtime/supervisor"
	"panelbot/internal/storage"
	logx "panelbot/pkg/logx"
)

const auditWriteTimeout = 5 * time.Second

// Recorder appends audit rows asynchronously. Write failures are logged
// and dropped.
type Recorder struct {
	auditor storage.Auditor
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	sup *supervisor.Supervisor
	wg  sync.WaitGroup
}

func NewRecorder(auditor storage.Auditor, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{auditor: auditor, log: log.With(logx.String("comp", "audit")), now: time.Now}
}

// Attach runs writes under sup; nil detaches.
func (r *Recorder) Attach(sup *supervisor.Supervisor) {
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()
}

func (r *Recorder) Record(rec storage.AuditRecord) {
	if r == nil || r.auditor == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	r.wg.Add(1)
	write := func(ctx context.Context) {
		defer r.wg.Done()
		// Pending rows are still written while the process stops.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
		defer cancel()
		if err := r.auditor.AppendAudit(wctx, rec); err != nil {
			r.log.Debug("audit write failed",
				logx.String("kind", rec.Kind),
				logx.String("status", string(rec.Status)),
				logx.Err(err),
			)
		}
	}

	r.mu.RLock()
	sup := r.sup
	r.mu.RUnlock()
	if sup != nil {
		sup.Go0("audit.write", write)
		return
	}
	go write(context.Background())
}

// Wait blocks until queued writes finish or ctx ends.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
