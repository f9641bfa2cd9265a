package storage

import (
	"context"
	"fmt"
)

// snapshotTables maps exportable tables to their ordering clause.
var snapshotTables = map[string]string{
	"servers":  "id",
	"users":    "id",
	"settings": "key",
	"audit":    "id",
}

// Snapshot dumps whole tables as column->value maps. Only known tables
// may be requested.
func (s *SQLite) Snapshot(ctx context.Context, tables []string) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		order, ok := snapshotTables[t]
		if !ok {
			return nil, fmt.Errorf("snapshot: table %q is not exportable", t)
		}
		rows, err := s.dumpTable(ctx, t, order)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", t, err)
		}
		out[t] = rows
	}
	return out, nil
}

func (s *SQLite) dumpTable(ctx context.Context, table, order string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table+" ORDER BY "+order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
				continue
			}
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
