package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry shop.AuditEntry) error {
	var payload sql.NullString
	if len(entry.Payload) > 0 {
		b, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor, action, target, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.Actor, string(entry.Action), entry.Target, payload)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter shop.AuditFilter) ([]shop.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Actor != "" {
		where = append(where, "lower(actor) = lower(?)")
		args = append(args, filter.Actor)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT id, at, actor, action, target, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, rowid DESC LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []shop.AuditEntry
	for rows.Next() {
		var (
			e       shop.AuditEntry
			at      string
			action  string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &action, &e.Target, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(at)
		e.Action = shop.AuditAction(action)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
