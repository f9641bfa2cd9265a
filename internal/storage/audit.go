package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

func (s *SQLite) AppendAudit(ctx context.Context, rec AuditRecord) error {
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}
	var subjects any
	if len(rec.SubjectIDs) > 0 {
		b, err := json.Marshal(rec.SubjectIDs)
		if err != nil {
			return err
		}
		subjects = string(b)
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit(at, kind, target_id, subject_ids, status, err, payload, actor, correlation_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), rec.Kind, rec.TargetID, subjects, string(rec.Status),
		nullStr(rec.Error), payload, nullStr(rec.Actor), nullStr(rec.CorrelationID))
	return err
}

// ListAudit returns the newest rows first. An empty kind lists every kind.
func (s *SQLite) ListAudit(ctx context.Context, kind string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, at, kind, target_id, subject_ids, status, err, payload, actor, correlation_id FROM audit`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                                   AuditRecord
			at, status                            string
			subjects, errStr, payload, actor, cid sql.NullString
		)
		if err := rows.Scan(&rec.ID, &at, &rec.Kind, &rec.TargetID, &subjects, &status, &errStr, &payload, &actor, &cid); err != nil {
			return nil, err
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		rec.Status = AuditStatus(status)
		rec.Error = errStr.String
		rec.Actor = actor.String
		rec.CorrelationID = cid.String
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		if subjects.Valid {
			_ = json.Unmarshal([]byte(subjects.String), &rec.SubjectIDs)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
