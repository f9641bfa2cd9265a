package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

func (s *SQLite) GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

func (s *SQLite) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	if !json.Valid(value) {
		return errors.New("setting " + key + ": value is not valid JSON")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), s.now().UTC().Format(time.RFC3339Nano))
	return err
}
