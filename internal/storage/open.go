package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"panelbot/internal/accounts"
	logx "panelbot/pkg/logx"
)

// Settings is the named-blob store. Put is an upsert.
type Settings interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error)
	PutSetting(ctx context.Context, key string, value json.RawMessage) error
}

// Leases is the lock primitive behind the leader lock.
type Leases interface {
	TryAcquireLease(ctx context.Context, key int64, holder string, ttl time.Duration) (epoch int64, ok bool, err error)
	RenewLease(ctx context.Context, key int64, holder string, epoch int64, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key int64, holder string) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, kind string, limit int) ([]AuditRecord, error)
}

type Snapshotter interface {
	Snapshot(ctx context.Context, tables []string) (map[string][]map[string]any, error)
}

// Store is everything the bot persists.
type Store interface {
	Settings
	Leases
	Auditor
	Snapshotter
	accounts.Store
	io.Closer
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
