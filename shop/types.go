/*
Package shop provides the storefront core: balances, inventory, purchases,
top-up intents and settlement reconciliation.

PURPOSE:
  This package holds the only parts of the storefront with real invariants.
  Money is never created or destroyed incorrectly, an item is never sold
  twice, and a pending top-up is credited at most once. Presentation layers
  (chat bots, HTTP) call into it; they never touch storage directly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:        A user's integer ruble balance
  - Item:           A credentialed good living in one shard ("rank")
  - Sale:           Append-only record of a successful purchase
  - PaymentIntent:  A declared top-up awaiting external settlement
  - Transfer:       A settlement record reported by the payment marketplace

DESIGN PRINCIPLES:
  1. Balances are whole rubles (int64), never negative
  2. Item status moves available -> sold exactly once
  3. Settlement amounts use decimal.Decimal so 499.99 never equals 500
  4. Shards are independent stores; nothing spans two shards

SEE ALSO:
  - store.go: Persistence interfaces
  - purchase.go: Purchase transaction engine
  - reconcile.go: Settlement reconciliation
*/
package shop

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64
type ItemID int64
type SaleID int64
type IntentID int64

// ShardID names an independently stored partition of the catalog.
type ShardID string

// =============================================================================
// ACCOUNT - A user's balance
// =============================================================================

// Account is a user's balance row. Balance is always >= 0.
type Account struct {
	UserID    UserID
	Identity  string // external-facing handle, without leading '@'
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ITEM - Inventory record
// =============================================================================

type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemSold      ItemStatus = "sold"
)

// Item is a sellable good. Credentials are only handed out on purchase.
type Item struct {
	ID          ItemID
	Shard       ShardID
	Category    string
	Title       string
	Credentials string
	MediaRef    string
	Description string
	Price       int64
	Status      ItemStatus
	CreatedBy   UserID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available reports whether the item can still be sold.
func (i Item) Available() bool { return i.Status == ItemAvailable }

// ItemSummary is the listing projection of an Item.
type ItemSummary struct {
	ID    ItemID
	Title string
	Price int64
}

// NewItem holds the fields an administrator supplies when listing an item.
type NewItem struct {
	Category    string
	Title       string
	Credentials string
	MediaRef    string
	Description string
	Price       int64
	CreatedBy   UserID
}

// =============================================================================
// SALE - Append-only purchase record
// =============================================================================

type Sale struct {
	ID        SaleID
	UserID    UserID
	Shard     ShardID
	ItemID    ItemID
	Price     int64
	CreatedAt time.Time
}

// =============================================================================
// PAYMENT INTENT - Pending top-up
// =============================================================================

type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSuccess IntentStatus = "success"
	IntentFailed  IntentStatus = "failed"
)

// PaymentIntent is a declared top-up. Code is the correlation code the payer
// puts into the transfer memo; it is unique forever.
type PaymentIntent struct {
	ID           IntentID
	UserID       UserID
	Method       string
	Amount       int64
	Code         string
	Status       IntentStatus
	SettlementID string
	RawPayload   json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the intent can no longer change.
func (p PaymentIntent) Terminal() bool { return p.Status != IntentPending }

// =============================================================================
// TRANSFER - Settlement reported by the marketplace
// =============================================================================

type TransferStatus string
type TransferDirection string

const (
	TransferReceived TransferStatus = "received"
	TransferOther    TransferStatus = "other"

	DirectionIncoming TransferDirection = "incoming"
	DirectionOutgoing TransferDirection = "outgoing"
)

// Transfer is one money movement tagged with a correlation code.
type Transfer struct {
	SettlementID string
	Status       TransferStatus
	Direction    TransferDirection
	Amount       decimal.Decimal
	Raw          json.RawMessage
}

// SettledIncoming reports whether the transfer is a completed incoming payment.
func (t Transfer) SettledIncoming() bool {
	return t.Status == TransferReceived && t.Direction == DirectionIncoming
}

// =============================================================================
// STATS
// =============================================================================

// UserStats counts registered users.
type UserStats struct {
	Total     int
	LastWeek  int // today and the 6 previous days, UTC
	ThisMonth int // since the first day of the current month, UTC
}
