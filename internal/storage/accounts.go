package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"panelbot/internal/accounts"
	logx "panelbot/pkg/logx"
)

func (s *SQLite) ListServers(ctx context.Context) ([]accounts.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, host, enabled FROM servers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounts.Server
	for rows.Next() {
		var sv accounts.Server
		if err := rows.Scan(&sv.ID, &sv.Name, &sv.Host, &sv.Enabled); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *SQLite) GetServer(ctx context.Context, id int64) (*accounts.Server, error) {
	var sv accounts.Server
	err := s.db.QueryRowContext(ctx, `SELECT id, name, host, enabled FROM servers WHERE id = ?`, id).
		Scan(&sv.ID, &sv.Name, &sv.Host, &sv.Enabled)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sv, nil
}

// userColumns is resolved before any transaction starts; the capability
// probe needs the pool's only connection.
type userColumns struct {
	traffic bool
	note    bool
}

func (s *SQLite) userColumns(ctx context.Context) userColumns {
	return userColumns{
		traffic: s.HasCapability(ctx, accounts.CapTraffic),
		note:    s.HasCapability(ctx, accounts.CapNote),
	}
}

func (c userColumns) selectSQL() string {
	cols := []string{"id", "server_id", "username", "expires_at", "updated_at", "updated_by"}
	if c.traffic {
		cols = append(cols, "traffic_bytes")
	}
	if c.note {
		cols = append(cols, "note")
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM users"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanUser(r rowScanner, c userColumns) (accounts.User, error) {
	var (
		u             accounts.User
		expires       string
		updatedAt, by sql.NullString
		traffic       sql.NullInt64
		note          sql.NullString
	)
	dest := []any{&u.ID, &u.ServerID, &u.Username, &expires, &updatedAt, &by}
	if c.traffic {
		dest = append(dest, &traffic)
	}
	if c.note {
		dest = append(dest, &note)
	}
	if err := r.Scan(dest...); err != nil {
		return u, err
	}
	exp, err := accounts.ParseExpiry(expires, s.loc)
	if err != nil {
		// A malformed value is shown as "never" rather than hiding the user.
		s.log.Warn("bad expiry value", logx.Int64("user_id", u.ID), logx.String("value", expires))
	}
	u.Expiry = exp
	if updatedAt.Valid {
		u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}
	u.UpdatedBy = by.String
	u.TrafficBytes = traffic.Int64
	u.Note = note.String
	return u, nil
}

func (s *SQLite) queryUsers(ctx context.Context, where string, args ...any) ([]accounts.User, error) {
	cols := s.userColumns(ctx)
	rows, err := s.db.QueryContext(ctx, cols.selectSQL()+where+" ORDER BY username COLLATE NOCASE, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounts.User
	for rows.Next() {
		u, err := s.scanUser(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) ListUsersByServer(ctx context.Context, serverID int64) ([]accounts.User, error) {
	return s.queryUsers(ctx, " WHERE server_id = ?", serverID)
}

func (s *SQLite) ListUsers(ctx context.Context) ([]accounts.User, error) {
	return s.queryUsers(ctx, "")
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (*accounts.User, error) {
	cols := s.userColumns(ctx)
	u, err := s.scanUser(s.db.QueryRowContext(ctx, cols.selectSQL()+" WHERE id = ?", id), cols)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ExtendExpiry adds months to the user's expiry in one transaction and
// returns the updated row, or (nil, nil) when the user does not exist.
func (s *SQLite) ExtendExpiry(ctx context.Context, userID int64, months int, actor string) (*accounts.User, error) {
	if months <= 0 {
		return nil, fmt.Errorf("extend expiry: months must be positive, got %d", months)
	}
	cols := s.userColumns(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := s.scanUser(tx.QueryRowContext(ctx, cols.selectSQL()+" WHERE id = ?", userID), cols)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	u.Expiry = s.pol.NextExpiry(u.Expiry, months, now)
	u.UpdatedAt = now.UTC()
	u.UpdatedBy = actor

	res, err := tx.ExecContext(ctx, `UPDATE users SET expires_at = ?, updated_at = ?, updated_by = ? WHERE id = ?`,
		u.Expiry.Format(), u.UpdatedAt.Format(time.RFC3339Nano), nullStr(actor), userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, errors.New("extend expiry: user vanished during update")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &u, nil
}
