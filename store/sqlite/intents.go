package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// INTENT STORE
// =============================================================================

const intentColumns = `id, user_id, method, amount, code, status, settlement_id, raw_payload, created_at, updated_at`

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_intents WHERE code = ?`, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CreateIntent(ctx context.Context, intent shop.PaymentIntent) (shop.PaymentIntent, error) {
	status := intent.Status
	if status == "" {
		status = shop.IntentPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents
		(user_id, method, amount, code, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		intent.UserID,
		intent.Method,
		intent.Amount,
		intent.Code,
		string(status),
		formatTime(intent.CreatedAt),
		formatTime(intent.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return shop.PaymentIntent{}, fmt.Errorf("code %s: %w", intent.Code, shop.ErrDuplicateCode)
	}
	if err != nil {
		return shop.PaymentIntent{}, fmt.Errorf("failed to create intent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return shop.PaymentIntent{}, err
	}
	return s.getIntentByID(ctx, shop.IntentID(id))
}

func (s *Store) getIntentByID(ctx context.Context, id shop.IntentID) (shop.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = ?`, id)
	intent, err := scanIntent(row)
	if err != nil {
		return shop.PaymentIntent{}, fmt.Errorf("failed to read intent: %w", err)
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, code string) (shop.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE code = ?`, code)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.PaymentIntent{}, shop.ErrIntentNotFound
	}
	if err != nil {
		return shop.PaymentIntent{}, fmt.Errorf("failed to get intent: %w", err)
	}
	return intent, nil
}

// MarkIntentSuccess only matches a pending row, so a terminal intent is never
// reopened or overwritten.
func (s *Store) MarkIntentSuccess(ctx context.Context, code, settlementID string, raw json.RawMessage, at time.Time) (bool, error) {
	var payload sql.NullString
	if len(raw) > 0 {
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = 'success', settlement_id = ?, raw_payload = ?, updated_at = ?
		WHERE code = ? AND status = 'pending'`,
		nullString(settlementID), payload, formatTime(at), code)
	if err != nil {
		return false, fmt.Errorf("failed to mark intent success: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListPendingIntents(ctx context.Context, since time.Time, limit int) ([]shop.PaymentIntent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status = 'pending' AND created_at >= ?
		ORDER BY created_at, id
		LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	defer rows.Close()

	var out []shop.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func scanIntent(row rowScanner) (shop.PaymentIntent, error) {
	var (
		intent       shop.PaymentIntent
		status       string
		settlementID sql.NullString
		raw          sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&intent.ID,
		&intent.UserID,
		&intent.Method,
		&intent.Amount,
		&intent.Code,
		&status,
		&settlementID,
		&raw,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return shop.PaymentIntent{}, err
	}
	intent.Status = shop.IntentStatus(status)
	intent.SettlementID = settlementID.String
	if raw.Valid {
		intent.RawPayload = json.RawMessage(raw.String)
	}
	intent.CreatedAt = parseTime(createdAt)
	intent.UpdatedAt = parseTime(updatedAt)
	return intent, nil
}
