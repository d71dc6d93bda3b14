/*
Package sqlite provides a SQLite-backed implementation of shop.Store.

PURPOSE:
  Persists balances, sales, payment intents and the audit log in a main
  database file, and each catalog shard in its own database file. Shard files
  are ATTACHed to every connection, so a purchase is one SQLite transaction
  spanning the shard's items table and the main users and sales tables.

INTERFACES IMPLEMENTED:
  shop.AccountStore, shop.InventoryStore, shop.PurchaseStore,
  shop.SaleStore, shop.IntentStore, shop.AuditLog

KEY TABLES:
  users:            One row per user, balance CHECK (balance >= 0)
  sales:            Append-only (UPDATE and DELETE abort via triggers)
  payment_intents:  code UNIQUE, never reused
  audit_log:        Append-only admin actions
  <shard>.items:    Per-shard inventory with status column

CONCURRENCY:
  The pool holds a single connection and transactions start with
  BEGIN IMMEDIATE, so writers are serialized. The conditional
  UPDATE ... WHERE status = 'available' is still what decides a race.

JOURNAL MODE:
  The default rollback journal is kept. Commits that touch the main file and
  a shard file are atomic across both only outside WAL mode.

USAGE:
  store, err := sqlite.New("./data/shop.db",
      sqlite.Shard{ID: "8", Path: "./data/rank8.db"},
      sqlite.Shard{ID: "7", Path: "./data/rank7.db"},
  )
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - shop/store.go: Interface definitions
  - shop/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/storefront/shop"
)

// Shard is one catalog partition stored in its own database file.
type Shard struct {
	ID   shop.ShardID
	Path string
}

// Store implements shop.Store using SQLite.
type Store struct {
	db      *sql.DB
	shards  []shop.ShardID
	schemas map[shop.ShardID]string
}

var _ shop.Store = (*Store)(nil)

var (
	shardNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

	// each Store registers its own driver so its ConnectHook knows its shards
	driverSeq atomic.Int64
)

// New opens the main database at dbPath and attaches one file per shard.
// Use ":memory:" for a throwaway main database.
func New(dbPath string, shards ...Shard) (*Store, error) {
	s := &Store{schemas: make(map[shop.ShardID]string, len(shards))}
	for _, sh := range shards {
		if !shardNamePattern.MatchString(string(sh.ID)) {
			return nil, fmt.Errorf("invalid shard name %q", sh.ID)
		}
		if _, dup := s.schemas[sh.ID]; dup {
			return nil, fmt.Errorf("duplicate shard %q", sh.ID)
		}
		if sh.Path == "" {
			return nil, fmt.Errorf("shard %q: empty path", sh.ID)
		}
		s.shards = append(s.shards, sh.ID)
		s.schemas[sh.ID] = "shard_" + string(sh.ID)
	}

	attached := append([]Shard(nil), shards...)
	driverName := fmt.Sprintf("sqlite3_storefront_%d", driverSeq.Add(1))
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, sh := range attached {
				if _, err := conn.Exec("ATTACH DATABASE ? AS "+s.schemas[sh.ID], []driver.Value{sh.Path}); err != nil {
					return fmt.Errorf("attach shard %s: %w", sh.ID, err)
				}
			}
			return nil
		},
	})

	db, err := sql.Open(driverName, dbPath+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Shards lists the configured shards in configuration order.
func (s *Store) Shards() []shop.ShardID {
	return append([]shop.ShardID(nil), s.shards...)
}

// table returns the qualified items table of shard.
func (s *Store) table(shard shop.ShardID) (string, error) {
	schema, ok := s.schemas[shard]
	if !ok {
		return "", shop.ErrUnknownShard
	}
	return schema + ".items", nil
}

// =============================================================================
// SCHEMA
// =============================================================================

const mainSchema = `
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		identity TEXT,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_identity ON users(lower(identity));
	CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at);

	-- Sales (append-only)
	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		shard TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		price INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_user ON sales(user_id, id);

	CREATE TRIGGER IF NOT EXISTS trg_sales_no_update BEFORE UPDATE ON sales
	BEGIN SELECT RAISE(ABORT, 'sales are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_sales_no_delete BEFORE DELETE ON sales
	BEGIN SELECT RAISE(ABORT, 'sales are append-only'); END;

	-- Payment intents; a code is never reused
	CREATE TABLE IF NOT EXISTS payment_intents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'failed')),
		settlement_id TEXT,
		raw_payload TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_intents_status_created
		ON payment_intents(status, created_at);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at);
`

// shardSchema is formatted with the shard's schema name.
const shardSchema = `
	CREATE TABLE IF NOT EXISTS %[1]s.items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		credentials TEXT NOT NULL,
		media_ref TEXT,
		description TEXT,
		price INTEGER NOT NULL CHECK (price > 0),
		status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available', 'sold')),
		created_by INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS %[1]s.idx_items_status_category
		ON items(status, category, id);
`

// migrate creates the database schema.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(mainSchema); err != nil {
		return err
	}
	for _, shard := range s.shards {
		if _, err := s.db.Exec(fmt.Sprintf(shardSchema, s.schemas[shard])); err != nil {
			return fmt.Errorf("shard %s: %w", shard, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
