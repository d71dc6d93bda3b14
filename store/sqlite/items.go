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
// INVENTORY STORE
// =============================================================================

const itemColumns = `id, category, title, credentials, media_ref, description, price, status, created_by, created_at, updated_at`

func (s *Store) ListAvailable(ctx context.Context, shard shop.ShardID, category string, limit, offset int) ([]shop.ItemSummary, error) {
	table, err := s.table(shard)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT id, title, price FROM ` + table + `
		WHERE status = 'available' AND (? = '' OR category = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, category, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	out := []shop.ItemSummary{}
	for rows.Next() {
		var it shop.ItemSummary
		if err := rows.Scan(&it.ID, &it.Title, &it.Price); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) CountAvailable(ctx context.Context, shard shop.ShardID, category string) (int, error) {
	table, err := s.table(shard)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE status = 'available' AND (? = '' OR category = ?)`,
		category, category).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (s *Store) GetItem(ctx context.Context, shard shop.ShardID, id shop.ItemID) (shop.Item, error) {
	table, err := s.table(shard)
	if err != nil {
		return shop.Item{}, err
	}
	return getItem(ctx, s.db, table, shard, id)
}

func getItem(ctx context.Context, q execer, table string, shard shop.ShardID, id shop.ItemID) (shop.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM `+table+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Item{}, shop.ErrItemNotFound
	}
	if err != nil {
		return shop.Item{}, fmt.Errorf("failed to get item: %w", err)
	}
	item.Shard = shard
	return item, nil
}

func (s *Store) InsertItem(ctx context.Context, shard shop.ShardID, item shop.NewItem, at time.Time) (shop.ItemID, error) {
	table, err := s.table(shard)
	if err != nil {
		return 0, err
	}
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+`
		(category, title, credentials, media_ref, description, price, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'available', ?, ?, ?)`,
		item.Category,
		item.Title,
		item.Credentials,
		nullString(item.MediaRef),
		nullString(item.Description),
		item.Price,
		item.CreatedBy,
		ts,
		ts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read item id: %w", err)
	}
	return shop.ItemID(id), nil
}

func (s *Store) DeleteItem(ctx context.Context, shard shop.ShardID, id shop.ItemID) (bool, error) {
	table, err := s.table(shard)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) UpdateDescription(ctx context.Context, shard shop.ShardID, id shop.ItemID, text string, at time.Time) (bool, error) {
	table, err := s.table(shard)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET description = ?, updated_at = ? WHERE id = ?`,
		nullString(text), formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to update description: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanItem(row rowScanner) (shop.Item, error) {
	var (
		item        shop.Item
		mediaRef    sql.NullString
		description sql.NullString
		createdBy   sql.NullInt64
		status      string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&item.ID,
		&item.Category,
		&item.Title,
		&item.Credentials,
		&mediaRef,
		&description,
		&item.Price,
		&status,
		&createdBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return shop.Item{}, err
	}
	item.MediaRef = mediaRef.String
	item.Description = description.String
	item.Status = shop.ItemStatus(status)
	item.CreatedBy = shop.UserID(createdBy.Int64)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return item, nil
}
