package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

const accountColumns = `user_id, identity, balance, created_at, updated_at`

// EnsureAccount upserts the user row. The identity is only overwritten when a
// non-empty one is supplied.
func (s *Store) EnsureAccount(ctx context.Context, userID shop.UserID, identity string, at time.Time) (shop.Account, error) {
	query := `
		INSERT INTO users (user_id, identity, balance, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			identity = excluded.identity,
			updated_at = excluded.updated_at
		WHERE excluded.identity IS NOT NULL AND excluded.identity IS NOT users.identity
	`
	ts := formatTime(at)
	if _, err := s.db.ExecContext(ctx, query, userID, nullString(identity), ts, ts); err != nil {
		return shop.Account{}, fmt.Errorf("failed to ensure account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) GetAccount(ctx context.Context, userID shop.UserID) (shop.Account, error) {
	return getAccount(ctx, s.db, userID)
}

func getAccount(ctx context.Context, q execer, userID shop.UserID) (shop.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE user_id = ?`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Account{}, shop.ErrUserNotFound
	}
	if err != nil {
		return shop.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// FindAccount matches identity case-insensitively. The lowest user id wins
// if two users share a handle.
func (s *Store) FindAccount(ctx context.Context, identity string) (shop.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE lower(identity) = lower(?) ORDER BY user_id LIMIT 1`,
		identity)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Account{}, shop.ErrUserNotFound
	}
	if err != nil {
		return shop.Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return acct, nil
}

// AdjustBalance reads, clamps and writes inside one immediate transaction.
func (s *Store) AdjustBalance(ctx context.Context, userID shop.UserID, delta int64, at time.Time) (shop.Account, int64, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shop.Account{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	ts := formatTime(at)
	if _, err := sqlTx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		userID, ts, ts); err != nil {
		return shop.Account{}, 0, fmt.Errorf("failed to create account: %w", err)
	}

	var current int64
	if err := sqlTx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&current); err != nil {
		return shop.Account{}, 0, fmt.Errorf("failed to read balance: %w", err)
	}

	if delta > 0 && current > math.MaxInt64-delta {
		return shop.Account{}, 0, shop.ErrBalanceOverflow
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE users SET balance = ?, updated_at = ? WHERE user_id = ?`,
		next, ts, userID); err != nil {
		return shop.Account{}, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	acct, err := getAccount(ctx, sqlTx, userID)
	if err != nil {
		return shop.Account{}, 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		return shop.Account{}, 0, fmt.Errorf("failed to commit balance: %w", err)
	}
	return acct, next - current, nil
}

// CountAccounts counts users created at or after since.
func (s *Store) CountAccounts(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE created_at >= ?`, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (shop.Account, error) {
	var (
		acct      shop.Account
		identity  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&acct.UserID, &identity, &acct.Balance, &createdAt, &updatedAt); err != nil {
		return shop.Account{}, err
	}
	acct.Identity = identity.String
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}
