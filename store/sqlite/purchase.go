package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// PURCHASE STORE (shop.PurchaseStore interface)
// =============================================================================

// WithPurchaseTx runs fn inside BEGIN IMMEDIATE. The shard's items table and
// the main users and sales tables commit or roll back together.
func (s *Store) WithPurchaseTx(ctx context.Context, shard shop.ShardID, fn func(shop.PurchaseTx) error) error {
	table, err := s.table(shard)
	if err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&purchaseTx{tx: sqlTx, table: table, shard: shard}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purchase: %w", err)
	}
	return nil
}

type purchaseTx struct {
	tx    *sql.Tx
	table string
	shard shop.ShardID
}

func (p *purchaseTx) GetItem(ctx context.Context, id shop.ItemID) (shop.Item, error) {
	return getItem(ctx, p.tx, p.table, p.shard, id)
}

func (p *purchaseTx) Balance(ctx context.Context, userID shop.UserID) (int64, error) {
	var balance int64
	err := p.tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Debit relies on the balance >= 0 CHECK constraint to refuse overdrafts.
func (p *purchaseTx) Debit(ctx context.Context, userID shop.UserID, amount int64, at time.Time) (int64, error) {
	res, err := p.tx.ExecContext(ctx,
		`UPDATE users SET balance = balance - ?, updated_at = ? WHERE user_id = ?`,
		amount, formatTime(at), userID)
	if isCheckConstraintError(err) {
		return 0, &shop.InsufficientFundsError{UserID: userID, Requested: amount}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, shop.ErrUserNotFound
	}
	return p.Balance(ctx, userID)
}

// MarkSold is the compare-and-swap: it only matches a row still available.
func (p *purchaseTx) MarkSold(ctx context.Context, id shop.ItemID, at time.Time) (bool, error) {
	res, err := p.tx.ExecContext(ctx,
		`UPDATE `+p.table+` SET status = 'sold', updated_at = ? WHERE id = ? AND status = 'available'`,
		formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark item sold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *purchaseTx) InsertSale(ctx context.Context, sale shop.Sale) (shop.SaleID, error) {
	return insertSale(ctx, p.tx, sale)
}

// =============================================================================
// SALE STORE
// =============================================================================

func insertSale(ctx context.Context, q execer, sale shop.Sale) (shop.SaleID, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO sales (user_id, shard, item_id, price, created_at) VALUES (?, ?, ?, ?, ?)`,
		sale.UserID, string(sale.Shard), sale.ItemID, sale.Price, formatTime(sale.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert sale: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return shop.SaleID(id), nil
}

func (s *Store) ListSales(ctx context.Context, userID shop.UserID, limit int) ([]shop.Sale, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, shard, item_id, price, created_at
		FROM sales WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	var out []shop.Sale
	for rows.Next() {
		var (
			sale      shop.Sale
			shard     string
			createdAt string
		)
		if err := rows.Scan(&sale.ID, &sale.UserID, &shard, &sale.ItemID, &sale.Price, &createdAt); err != nil {
			return nil, err
		}
		sale.Shard = shop.ShardID(shard)
		sale.CreatedAt = parseTime(createdAt)
		out = append(out, sale)
	}
	return out, rows.Err()
}
