package storage

import (
	"encoding/json"
	"errors"
	"time"

	"panelbot/internal/accounts"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// Location interprets date-only and zone-less expiry values.
	Location *time.Location
	// Cutoff decides whether an expired date-only account extends from today.
	Cutoff accounts.Cutoff
	// Now overrides the clock (tests).
	Now func() time.Time
}

// AuditStatus is the outcome of a notification, backup or mutation.
type AuditStatus string

const (
	AuditSent                AuditStatus = "sent"
	AuditOK                  AuditStatus = "ok"
	AuditFailed              AuditStatus = "failed"
	AuditSkippedDisabled     AuditStatus = "skipped_disabled"
	AuditSkippedNoToken      AuditStatus = "skipped_no_token"
	AuditSkippedNoTarget     AuditStatus = "skipped_no_target"
	AuditSkippedOptOut       AuditStatus = "skipped_opt_out"
	AuditSkippedRateLimited  AuditStatus = "skipped_rate_limited"
	AuditRefusedUnauthorized AuditStatus = "refused_unauthorized"
)

// Skipped reports whether the attempt was intentionally not performed.
func (s AuditStatus) Skipped() bool {
	switch s {
	case AuditSkippedDisabled, AuditSkippedNoToken, AuditSkippedNoTarget, AuditSkippedOptOut, AuditSkippedRateLimited:
		return true
	}
	return false
}

// AuditRecord is one append-only outcome row.
type AuditRecord struct {
	ID            int64
	At            time.Time
	Kind          string
	TargetID      int64
	SubjectIDs    []int64
	Status        AuditStatus
	Error         string
	Payload       json.RawMessage
	Actor         string
	CorrelationID string
}
