package storage

import (
	"context"
	"errors"
	"time"
)

// The lease row emulates a connection-scoped advisory lock: a holder keeps
// it by renewing before expires_at, anyone may take it over afterwards.
// epoch increases on every change of ownership so a stale holder cannot
// renew a lease that was taken from it.

func (s *SQLite) TryAcquireLease(ctx context.Context, key int64, holder string, ttl time.Duration) (int64, bool, error) {
	if holder == "" {
		return 0, false, errors.New("lease holder is required")
	}
	if ttl <= 0 {
		return 0, false, errors.New("lease ttl must be positive")
	}
	now := s.now().UnixMilli()
	exp := now + ttl.Milliseconds()

	var epoch int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO leader_lease(lock_key, holder, epoch, acquired_at, expires_at) VALUES(?, ?, 1, ?, ?)
ON CONFLICT(lock_key) DO UPDATE SET
    epoch = CASE WHEN leader_lease.holder = excluded.holder AND leader_lease.expires_at > ?
                 THEN leader_lease.epoch ELSE leader_lease.epoch + 1 END,
    acquired_at = CASE WHEN leader_lease.holder = excluded.holder AND leader_lease.expires_at > ?
                 THEN leader_lease.acquired_at ELSE excluded.acquired_at END,
    holder = excluded.holder,
    expires_at = excluded.expires_at
WHERE leader_lease.holder = excluded.holder OR leader_lease.expires_at <= ?
RETURNING epoch`,
		key, holder, now, exp, now, now, now).Scan(&epoch)
	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return epoch, true, nil
}

func (s *SQLite) RenewLease(ctx context.Context, key int64, holder string, epoch int64, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE leader_lease SET expires_at = ?
WHERE lock_key = ? AND holder = ? AND epoch = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), key, holder, epoch, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease is a no-op when holder does not own the lease.
func (s *SQLite) ReleaseLease(ctx context.Context, key int64, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leader_lease WHERE lock_key = ? AND holder = ?`, key, holder)
	return err
}
