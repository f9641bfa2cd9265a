// Package backup schedules and runs the database backup: a short report
// and a gzip-compressed JSON snapshot sent to the default target chat.
package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"panelbot/internal/accounts"
	"panelbot/internal/botconfig"
	"panelbot/internal/observability/metrics"
	"panelbot/internal/storage"
	kit "panelbot/internal/transport"
	logx "panelbot/pkg/logx"
	"panelbot/pkg/tgui"
)

const (
	// StatusKey is the settings row shared by all replicas.
	StatusKey = "backup-status"
	AuditKind = "backup"

	DefaultMinInterval = 5 * time.Minute
	DefaultTimeout     = 5 * time.Minute

	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// StatusRunning marks a run in progress in the persisted status.
const StatusRunning storage.AuditStatus = "running"

var exportTables = []string{"servers", "users", "settings"}

// Store is the persistence the job needs.
type Store interface {
	storage.Settings
	storage.Snapshotter
}

type Recorder interface {
	Record(rec storage.AuditRecord)
}

type Config struct {
	// MinInterval is the shortest gap between two executed runs. 0 means 5m.
	MinInterval time.Duration
	// Timeout bounds one run. 0 means 5m.
	Timeout  time.Duration
	TempDir  string
	Instance string
	Now      func() time.Time
}

// Status is persisted under StatusKey.
type Status struct {
	LastRunAt  time.Time           `json:"last_run_at"`
	LastStatus storage.AuditStatus `json:"last_status"`
	LastError  string              `json:"last_error,omitempty"`
	Trigger    string              `json:"trigger,omitempty"`
	Bytes      int64               `json:"bytes,omitempty"`
	Instance   string              `json:"instance,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func LoadStatus(ctx context.Context, s storage.Settings) (Status, error) {
	raw, ok, err := s.GetSetting(ctx, StatusKey)
	if err != nil || !ok {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, fmt.Errorf("decode %s: %w", StatusKey, err)
	}
	return st, nil
}

// Result describes one Run call.
type Result struct {
	Status   storage.AuditStatus
	Bytes    int64
	Duration time.Duration
	Counts   accounts.Counts
}

// Executed reports whether a snapshot was attempted.
func (r Result) Executed() bool { return !r.Status.Skipped() }

type Job struct {
	store  Store
	dir    *accounts.Directory
	sender kit.Sender
	src    botconfig.Source
	audit  Recorder
	log    logx.Logger
	cfg    Config

	schedMu sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	c       *cron.Cron
	plan    Plan
	sig     uint64
	hasSig  bool
	pending *botconfig.BotConfig

	runMu   sync.Mutex
	running bool
	lastRun time.Time
}

func New(store Store, dir *accounts.Directory, sender kit.Sender, src botconfig.Source, audit Recorder, cfg Config, log logx.Logger) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Job{
		store:  store,
		dir:    dir,
		sender: sender,
		src:    src,
		audit:  audit,
		log:    log.With(logx.String("comp", "backup")),
		cfg:    cfg,
	}
}

// Start enables scheduled runs. Scheduled runs inherit ctx.
func (j *Job) Start(ctx context.Context) {
	j.schedMu.Lock()
	if j.base != nil {
		j.schedMu.Unlock()
		return
	}
	j.base, j.cancel = context.WithCancel(ctx)
	pending := j.pending
	j.pending = nil
	j.schedMu.Unlock()

	if pending != nil {
		j.Reschedule(*pending)
	}
}

// Stop removes the schedule and cancels running jobs. A later Start
// followed by Reschedule installs the schedule again.
func (j *Job) Stop(ctx context.Context) {
	j.schedMu.Lock()
	c := j.c
	cancel := j.cancel
	j.c, j.base, j.cancel = nil, nil, nil
	j.hasSig = false
	j.schedMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
}

// Reschedule installs the schedule derived from cfg. It is a no-op when
// the schedule signature did not change; there is never more than one
// scheduled entry.
func (j *Job) Reschedule(cfg botconfig.BotConfig) bool {
	plan, warnings := Resolve(cfg)
	for _, w := range warnings {
		j.log.Warn(w)
	}

	j.schedMu.Lock()
	defer j.schedMu.Unlock()
	if j.base == nil {
		j.pending = &cfg
		return false
	}
	sig := plan.Signature()
	if j.hasSig && sig == j.sig {
		return false
	}
	if j.c != nil {
		// Running jobs finish under their own context.
		j.c.Stop()
		j.c = nil
	}
	j.plan, j.sig, j.hasSig = plan, sig, true
	if plan.Kind == PlanNone {
		j.log.Info("backup schedule cleared")
		return true
	}

	loc := plan.Location
	if loc == nil {
		loc = time.Local
	}
	base := j.base
	c := cron.New(cron.WithLocation(loc))
	c.Schedule(plan.schedule, cron.FuncJob(func() {
		if _, err := j.Run(base, TriggerCron, TriggerCron); err != nil {
			j.log.Warn("scheduled backup failed", logx.Err(err))
		}
	}))
	c.Start()
	j.c = c
	j.log.Info("backup scheduled",
		logx.String("plan", plan.String()),
		logx.Time("next", plan.Next(j.cfg.Now())),
	)
	return true
}

// Entries is the number of scheduled cron entries.
func (j *Job) Entries() int {
	j.schedMu.Lock()
	defer j.schedMu.Unlock()
	if j.c == nil {
		return 0
	}
	return len(j.c.Entries())
}

func (j *Job) Plan() Plan {
	j.schedMu.Lock()
	defer j.schedMu.Unlock()
	return j.plan
}

// LastStatus reads the shared status row.
func (j *Job) LastStatus(ctx context.Context) (Status, error) { return LoadStatus(ctx, j.store) }

// guard applies the skip rules in order and, when the run may go ahead,
// marks it started. Check and mark happen under one lock so concurrent
// triggers coalesce.
func (j *Job) guard(ctx context.Context, cfg botconfig.BotConfig, trigger string, now time.Time) storage.AuditStatus {
	switch {
	case !cfg.Enabled || !cfg.BackupEnabled:
		return storage.AuditSkippedDisabled
	case !cfg.HasToken():
		return storage.AuditSkippedNoToken
	case !cfg.HasTarget():
		return storage.AuditSkippedNoTarget
	}

	j.runMu.Lock()
	defer j.runMu.Unlock()
	if j.running {
		return storage.AuditSkippedRateLimited
	}
	last := j.lastRun
	if st, err := LoadStatus(ctx, j.store); err != nil {
		j.log.Debug("read backup status failed", logx.Err(err))
	} else if st.LastRunAt.After(last) {
		last = st.LastRunAt
	}
	if !last.IsZero() && now.Sub(last) < j.cfg.MinInterval {
		return storage.AuditSkippedRateLimited
	}
	j.running, j.lastRun = true, now
	j.writeStatus(ctx, Status{LastRunAt: now, LastStatus: StatusRunning, Trigger: trigger})
	return ""
}

func (j *Job) finish() {
	j.runMu.Lock()
	j.running = false
	j.runMu.Unlock()
}

func (j *Job) writeStatus(ctx context.Context, st Status) {
	st.Instance = j.cfg.Instance
	st.UpdatedAt = j.cfg.Now()
	raw, err := json.Marshal(st)
	if err == nil {
		err = j.store.PutSetting(ctx, StatusKey, raw)
	}
	if err != nil {
		j.log.Debug("write backup status failed", logx.Err(err))
	}
}

func (j *Job) record(rec storage.AuditRecord) {
	if j.audit != nil {
		j.audit.Record(rec)
	}
}

type auditPayload struct {
	Trigger    string `json:"trigger"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Servers    int    `json:"servers,omitempty"`
	Users      int    `json:"users,omitempty"`
}

// Run performs one backup unless a guard skips it. Skips are not errors;
// every call leaves one audit row.
func (j *Job) Run(ctx context.Context, trigger, actor string) (Result, error) {
	cfg := j.src.Current()
	start := j.cfg.Now()
	rec := storage.AuditRecord{Kind: AuditKind, TargetID: cfg.DefaultTargetID, Actor: actor}

	if st := j.guard(ctx, cfg, trigger, start); st != "" {
		payload, _ := json.Marshal(auditPayload{Trigger: trigger})
		rec.Status, rec.Payload = st, payload
		j.record(rec)
		metrics.BackupRuns.WithLabelValues(trigger, string(st)).Inc()
		j.log.Debug("backup skipped", logx.String("trigger", trigger), logx.String("status", string(st)))
		return Result{Status: st}, nil
	}
	defer j.finish()

	rctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()
	res, err := j.execute(rctx, cfg, trigger, start)
	res.Duration = j.cfg.Now().Sub(start)

	st := Status{LastRunAt: start, Trigger: trigger, Bytes: res.Bytes}
	res.Status, st.LastStatus = storage.AuditOK, storage.AuditOK
	if err != nil {
		res.Status, st.LastStatus = storage.AuditFailed, storage.AuditFailed
		st.LastError, rec.Error = err.Error(), err.Error()
	}
	payload, _ := json.Marshal(auditPayload{
		Trigger:    trigger,
		Bytes:      res.Bytes,
		DurationMS: res.Duration.Milliseconds(),
		Servers:    res.Counts.Servers,
		Users:      res.Counts.Users,
	})
	rec.Status, rec.Payload = res.Status, payload
	j.record(rec)
	j.writeStatus(context.WithoutCancel(ctx), st)

	metrics.BackupRuns.WithLabelValues(trigger, string(res.Status)).Inc()
	metrics.BackupDuration.Observe(res.Duration.Seconds())
	if err != nil {
		return res, err
	}
	j.log.Info("backup sent",
		logx.String("trigger", trigger),
		logx.Int64("bytes", res.Bytes),
		logx.Duration("took", res.Duration),
	)
	return res, nil
}

func (j *Job) execute(ctx context.Context, cfg botconfig.BotConfig, trigger string, start time.Time) (Result, error) {
	var res Result
	counts, err := j.dir.Counts(ctx)
	if err != nil {
		return res, fmt.Errorf("count accounts: %w", err)
	}
	res.Counts = counts

	tables, err := j.store.Snapshot(ctx, exportTables)
	if err != nil {
		return res, err
	}
	redactSettings(tables["settings"])

	path, size, err := writeArchive(j.cfg.TempDir, archive{
		Version:   1,
		CreatedAt: start.UTC(),
		Instance:  j.cfg.Instance,
		Tables:    tables,
	})
	if path != "" {
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				j.log.Warn("remove backup file failed", logx.String("path", path), logx.Err(rmErr))
			}
		}()
	}
	if err != nil {
		return res, fmt.Errorf("write archive: %w", err)
	}
	res.Bytes = size

	to := kit.ChatTarget{ChatID: cfg.DefaultTargetID}
	if _, err := j.report(start, trigger, counts, size).Send(ctx, j.sender, to); err != nil {
		return res, fmt.Errorf("send report: %w", err)
	}
	stamp := start.In(j.location()).Format("20060102-150405")
	doc := kit.Document{
		Path:     path,
		FileName: "panelbot-backup-" + stamp + ".json.gz",
		Caption:  "Backup " + stamp,
	}
	if _, err := j.sender.SendDocument(ctx, to, doc); err != nil {
		return res, fmt.Errorf("send document: %w", err)
	}
	return res, nil
}

func (j *Job) location() *time.Location {
	if loc := j.dir.Policy().Location; loc != nil {
		return loc
	}
	return time.UTC
}

func (j *Job) report(start time.Time, trigger string, c accounts.Counts, size int64) tgui.Message {
	b := tgui.New().Title("🗄", "Database backup").
		KV("Time", start.In(j.location()).Format("2006-01-02 15:04:05 MST")).
		KV("Trigger", trigger)
	if j.cfg.Instance != "" {
		b.KV("Instance", j.cfg.Instance)
	}
	return b.
		KV("Servers", strconv.Itoa(c.Servers)).
		KV("Users", strconv.Itoa(c.Users)).
		KV("Expired", strconv.Itoa(c.ByState[accounts.StatusExpired])).
		KV("Expiring soon", strconv.Itoa(c.ByState[accounts.StatusSoon])).
		KV("Active", strconv.Itoa(c.ByState[accounts.StatusActive])).
		KV("Archive", strconv.FormatInt(size, 10)+" bytes").
		Build()
}

type archive struct {
	Version   int                         `json:"version"`
	CreatedAt time.Time                   `json:"created_at"`
	Instance  string                      `json:"instance,omitempty"`
	Tables    map[string][]map[string]any `json:"tables"`
}

// writeArchive returns the temp file path even on failure so the caller
// can remove it.
func writeArchive(dir string, a archive) (string, int64, error) {
	f, err := os.CreateTemp(dir, "panelbot-backup-*.json.gz")
	if err != nil {
		return "", 0, err
	}
	path := f.Name()
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(a); err != nil {
		_ = gz.Close()
		_ = f.Close()
		return path, 0, err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return path, 0, err
	}
	if err := f.Close(); err != nil {
		return path, 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return path, 0, err
	}
	return path, fi.Size(), nil
}

var secretFields = map[string]bool{
	"token":          true,
	"bot_token":      true,
	"webhook_secret": true,
	"secret":         true,
	"password":       true,
	"api_key":        true,
}

// redactSettings masks secret fields inside JSON setting values.
func redactSettings(rows []map[string]any) {
	for _, row := range rows {
		raw, ok := row["value"].(string)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		if !maskSecrets(v) {
			continue
		}
		if out, err := json.Marshal(v); err == nil {
			row["value"] = string(out)
		}
	}
}

func maskSecrets(v any) bool {
	changed := false
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && secretFields[strings.ToLower(k)] {
				t[k] = botconfig.Mask(s)
				changed = true
				continue
			}
			if maskSecrets(val) {
				changed = true
			}
		}
	case []any:
		for _, val := range t {
			if maskSecrets(val) {
				changed = true
			}
		}
	}
	return changed
}
