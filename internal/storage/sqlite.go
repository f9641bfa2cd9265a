package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"panelbot/internal/accounts"
	logx "panelbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const capabilityTTL = 5 * time.Minute

// SQLite implements Store on a single database file. Several processes
// may open the same file; writes are upserts or appends.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
	now func() time.Time
	pol accounts.ExpiryPolicy

	capMu sync.Mutex
	caps  map[string]capEntry
}

type capEntry struct {
	ok bool
	at time.Time
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	// Pragmas go in the DSN so they apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLite{db: db, log: log, loc: cfg.Location, now: cfg.Now, caps: map[string]capEntry{}}
	if st.loc == nil {
		st.loc = time.UTC
	}
	if st.now == nil {
		st.now = time.Now
	}
	st.pol = accounts.ExpiryPolicy{Cutoff: cfg.Cutoff, Location: st.loc}
	if st.pol.Cutoff == "" {
		st.pol.Cutoff = accounts.CutoffEndOfDay
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

// DB exposes the handle for tests and portal-side fixtures.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HasCapability reports whether an optional "table.column" exists.
// Results are cached briefly since the portal may migrate underneath us.
func (s *SQLite) HasCapability(ctx context.Context, name string) bool {
	now := s.now()
	s.capMu.Lock()
	if e, ok := s.caps[name]; ok && now.Sub(e.at) < capabilityTTL {
		s.capMu.Unlock()
		return e.ok
	}
	s.capMu.Unlock()

	table, column, found := strings.Cut(name, ".")
	if !found {
		return false
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		s.log.Debug("capability probe failed", logx.String("capability", name), logx.Err(err))
		return false
	}
	s.capMu.Lock()
	s.caps[name] = capEntry{ok: n > 0, at: now}
	s.capMu.Unlock()
	return n > 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
