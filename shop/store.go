/*
store.go - Persistence interfaces for the storefront core

PURPOSE:
  Defines the boundary between the core and the database. The core owns the
  rules (validation, ordering, outcome mapping); stores own atomicity and the
  conditional writes the rules depend on.

KEY INTERFACES:
  AccountStore:   Balance rows, identity lookup, clamped adjustments
  InventoryStore: Per-shard item records
  PurchaseStore:  One isolated transaction over a shard and the balance rows
  SaleStore:      Append-only sale records
  IntentStore:    Payment intents keyed by correlation code
  AuditLog:       Append-only record of administrative actions

CONDITIONAL WRITES:
  PurchaseTx.MarkSold and IntentStore.MarkIntentSuccess both report whether
  the row was actually changed. A false return is not an error; it means a
  concurrent writer got there first, and callers must treat it as such.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite, one attached database file per shard
  - shop/store:   In-memory for tests and development

SEE ALSO:
  - purchase.go: The only user of PurchaseStore
  - reconcile.go: The only caller of MarkIntentSuccess
*/
package shop

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountStore interface {
	// EnsureAccount creates the account if missing and refreshes its identity
	// when identity is non-empty. Idempotent.
	EnsureAccount(ctx context.Context, userID UserID, identity string, at time.Time) (Account, error)

	// GetAccount returns ErrUserNotFound for unknown users.
	GetAccount(ctx context.Context, userID UserID) (Account, error)

	// FindAccount resolves a case-insensitive identity. Returns ErrUserNotFound.
	FindAccount(ctx context.Context, identity string) (Account, error)

	// AdjustBalance adds delta to the balance, creating the row if needed.
	// The result is clamped at zero; applied is the delta actually applied.
	// A credit that would overflow fails with ErrBalanceOverflow and changes nothing.
	AdjustBalance(ctx context.Context, userID UserID, delta int64, at time.Time) (acct Account, applied int64, err error)

	// CountAccounts counts accounts created at or after since. A zero since
	// counts all accounts.
	CountAccounts(ctx context.Context, since time.Time) (int, error)
}

// =============================================================================
// INVENTORY - One logical table per shard
// =============================================================================

type InventoryStore interface {
	// Shards lists the configured shards in configuration order.
	Shards() []ShardID

	// ListAvailable returns available items newest first. An empty category
	// matches all categories.
	ListAvailable(ctx context.Context, shard ShardID, category string, limit, offset int) ([]ItemSummary, error)
	CountAvailable(ctx context.Context, shard ShardID, category string) (int, error)

	// GetItem returns ErrItemNotFound when absent, regardless of status.
	GetItem(ctx context.Context, shard ShardID, id ItemID) (Item, error)

	// InsertItem stores a new available item.
	InsertItem(ctx context.Context, shard ShardID, item NewItem, at time.Time) (ItemID, error)

	// DeleteItem hard-deletes. Reports whether a row existed.
	DeleteItem(ctx context.Context, shard ShardID, id ItemID) (bool, error)

	// UpdateDescription changes only the caption. Reports whether a row existed.
	UpdateDescription(ctx context.Context, shard ShardID, id ItemID, text string, at time.Time) (bool, error)
}

// =============================================================================
// PURCHASE TRANSACTION
// =============================================================================

// PurchaseTx is a view of one shard and the balance rows inside a single
// isolated transaction. Implementations must make the read in GetItem and the
// write in MarkSold serializable against concurrent purchases.
type PurchaseTx interface {
	GetItem(ctx context.Context, id ItemID) (Item, error)

	// Balance returns 0 for users without an account.
	Balance(ctx context.Context, userID UserID) (int64, error)

	// Debit subtracts exactly amount. It fails rather than clamps.
	Debit(ctx context.Context, userID UserID, amount int64, at time.Time) (int64, error)

	// MarkSold flips available -> sold. False means the row was not available
	// at write time.
	MarkSold(ctx context.Context, id ItemID, at time.Time) (bool, error)

	InsertSale(ctx context.Context, sale Sale) (SaleID, error)
}

type PurchaseStore interface {
	// WithPurchaseTx runs fn in one transaction over shard and the balances.
	// A non-nil error from fn rolls everything back.
	WithPurchaseTx(ctx context.Context, shard ShardID, fn func(PurchaseTx) error) error
}

// =============================================================================
// SALES
// =============================================================================

type SaleStore interface {
	// ListSales returns a buyer's sales newest first. limit <= 0 means no limit.
	ListSales(ctx context.Context, userID UserID, limit int) ([]Sale, error)
}

// =============================================================================
// PAYMENT INTENTS
// =============================================================================

type IntentStore interface {
	// CodeExists checks every intent regardless of status.
	CodeExists(ctx context.Context, code string) (bool, error)

	// CreateIntent inserts a pending intent and returns it with its id.
	// Returns ErrDuplicateCode if the code is already used.
	CreateIntent(ctx context.Context, intent PaymentIntent) (PaymentIntent, error)

	// GetIntent returns ErrIntentNotFound.
	GetIntent(ctx context.Context, code string) (PaymentIntent, error)

	// MarkIntentSuccess transitions pending -> success. False means the intent
	// was not pending.
	MarkIntentSuccess(ctx context.Context, code, settlementID string, raw json.RawMessage, at time.Time) (bool, error)

	// ListPendingIntents returns pending intents created at or after since,
	// oldest first.
	ListPendingIntents(ctx context.Context, since time.Time, limit int) ([]PaymentIntent, error)
}

// =============================================================================
// AUDIT LOG - Separate from balances, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditItemAdded         AuditAction = "item_added"
	AuditItemDeleted       AuditAction = "item_deleted"
	AuditDescriptionEdited AuditAction = "description_edited"
	AuditBalanceGranted    AuditAction = "balance_granted"
	AuditBalanceRevoked    AuditAction = "balance_revoked"
	AuditPendingRechecked  AuditAction = "pending_rechecked"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	Target    string
	Payload   map[string]any
}

type AuditFilter struct {
	Actor   string
	Actions []AuditAction
	Since   time.Time
	Limit   int
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// QueryAudit returns matching entries newest first.
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// STORE - Everything the service needs
// =============================================================================

type Store interface {
	AccountStore
	InventoryStore
	PurchaseStore
	SaleStore
	IntentStore
	AuditLog
}
