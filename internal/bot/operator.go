package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"panelbot/internal/backup"
	"panelbot/internal/dispatch"
	"panelbot/internal/storage"
	logx "panelbot/pkg/logx"
)

var _ dispatch.Operator = (*Supervisor)(nil)

func (s *Supervisor) Status(ctx context.Context) dispatch.OperatorStatus {
	s.mu.Lock()
	started := s.started
	mode := string(s.cfg.Mode)
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		mode += " (disabled)"
	}
	st := dispatch.OperatorStatus{
		Instance:    s.d.Instance,
		Mode:        mode,
		Leader:      s.d.Lock.Held(),
		PollerState: string(s.poll.State()),
		Cursor:      s.d.Cursor.Last(),
		StartedAt:   started,
	}
	if s.d.Backup != nil {
		if bs, err := s.d.Backup.LastStatus(ctx); err == nil {
			st.LastBackupAt, st.LastBackupStatus = bs.LastRunAt, string(bs.LastStatus)
		}
	}
	return st
}

// TriggerBackup runs a manual backup under the runtime context so a slow
// upload is not cut off by the request timeout.
func (s *Supervisor) TriggerBackup(ctx context.Context, actor string) (string, error) {
	if s.d.Backup == nil {
		return "", errors.New("backups are not configured")
	}
	s.mu.Lock()
	sup := s.sup
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", errors.New("bot runtime is stopped")
	}

	type outcome struct {
		res backup.Result
		err error
	}
	ch := make(chan outcome, 1)
	sup.Go0("backup.manual", func(rctx context.Context) {
		res, err := s.d.Backup.Run(rctx, backup.TriggerManual, actor)
		if err != nil {
			s.log.Warn("manual backup failed", logx.Err(err))
		}
		ch <- outcome{res: res, err: err}
	})

	select {
	case o := <-ch:
		if o.err != nil {
			return "", o.err
		}
		return describe(o.res), nil
	case <-ctx.Done():
		return "⏳ Backup is still running; the file will arrive shortly.", nil
	}
}

func describe(r backup.Result) string {
	switch r.Status {
	case storage.AuditOK:
		return fmt.Sprintf("✅ Backup sent (%d bytes).", r.Bytes)
	case storage.AuditSkippedRateLimited:
		return "⏳ A backup ran in the last few minutes; try again later."
	case storage.AuditSkippedDisabled:
		return "Backups are disabled in the bot settings."
	case storage.AuditSkippedNoToken:
		return "The bot token is not configured."
	case storage.AuditSkippedNoTarget:
		return "No default target chat is configured for backups."
	}
	return "Backup finished: " + string(r.Status)
}

// Health is the readiness view served by the ops HTTP server.
type Health struct {
	Running     bool   `json:"running"`
	Enabled     bool   `json:"enabled"`
	Mode        string `json:"mode"`
	Leader      bool   `json:"leader"`
	PollerState string `json:"poller_state"`
	Cursor      int    `json:"cursor"`
	Instance    string `json:"instance"`
	// ReloadEvery is the settings reload cadence in effect.
	ReloadEvery time.Duration `json:"reload_every"`
}

func (s *Supervisor) Health() Health {
	s.mu.Lock()
	h := Health{Running: s.running, Enabled: s.cfg.Enabled, Mode: string(s.cfg.Mode)}
	s.mu.Unlock()
	h.Leader = s.d.Lock.Held()
	h.PollerState = string(s.poll.State())
	h.Cursor = s.d.Cursor.Last()
	h.Instance = s.d.Instance
	h.ReloadEvery = time.Duration(s.armed.Load())
	return h
}
