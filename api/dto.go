/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the presentation layer (bot or web front end)
  exchanges with the storefront. Domain types never leave the package as-is.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CREDENTIALS:
  Item credentials appear in exactly one place: PurchaseDTO of a successful
  purchase. Listings and item details never carry them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type EnsureUserRequest struct {
	Identity string `json:"identity"`
}

type AccountDTO struct {
	UserID    int64     `json:"user_id"`
	Identity  string    `json:"identity,omitempty"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

type BalanceDTO struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

func toAccountDTO(a shop.Account) AccountDTO {
	return AccountDTO{
		UserID:    int64(a.UserID),
		Identity:  a.Identity,
		Balance:   a.Balance,
		CreatedAt: a.CreatedAt,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

type ShardListDTO struct {
	Shards []string `json:"shards"`
}

type ItemSummaryDTO struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Price int64  `json:"price"`
}

type ItemPageDTO struct {
	Shard  string           `json:"shard"`
	Items  []ItemSummaryDTO `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type ItemDTO struct {
	ID          int64     `json:"id"`
	Shard       string    `json:"shard"`
	Category    string    `json:"category,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
	Price       int64     `json:"price"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func toItemDTO(it shop.Item) ItemDTO {
	return ItemDTO{
		ID:          int64(it.ID),
		Shard:       string(it.Shard),
		Category:    it.Category,
		Title:       it.Title,
		Description: it.Description,
		MediaRef:    it.MediaRef,
		Price:       it.Price,
		Status:      string(it.Status),
		CreatedAt:   it.CreatedAt,
	}
}

// =============================================================================
// PURCHASES
// =============================================================================

type PurchaseRequest struct {
	Shard  string `json:"shard"`
	ItemID int64  `json:"item_id"`
}

type PurchaseDTO struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Shard       string `json:"shard"`
	ItemID      int64  `json:"item_id"`
	Title       string `json:"title,omitempty"`
	Price       int64  `json:"price,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	SaleID      int64  `json:"sale_id,omitempty"`
	Balance     int64  `json:"balance"`
}

func toPurchaseDTO(r shop.PurchaseResult) PurchaseDTO {
	return PurchaseDTO{
		Status:      string(r.Status),
		Reason:      r.Reason,
		Shard:       string(r.Shard),
		ItemID:      int64(r.ItemID),
		Title:       r.Title,
		Price:       r.Price,
		Credentials: r.Credentials,
		SaleID:      int64(r.SaleID),
		Balance:     r.Balance,
	}
}

type SaleDTO struct {
	ID        int64     `json:"id"`
	Shard     string    `json:"shard"`
	ItemID    int64     `json:"item_id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// TOP-UPS
// =============================================================================

type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

type IntentDTO struct {
	Code         string    `json:"code"`
	UserID       int64     `json:"user_id"`
	Method       string    `json:"method"`
	Amount       int64     `json:"amount"`
	Status       string    `json:"status"`
	Expired      bool      `json:"expired"`
	ExpiresAt    time.Time `json:"expires_at"`
	SettlementID string    `json:"settlement_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type TopUpDTO struct {
	Intent IntentDTO `json:"intent"`
	PayURL string    `json:"pay_url,omitempty"`
}

type CheckDTO struct {
	Code         string     `json:"code"`
	Outcome      string     `json:"outcome"`
	UserID       int64      `json:"user_id,omitempty"`
	SettlementID string     `json:"settlement_id,omitempty"`
	Expected     string     `json:"expected,omitempty"`
	Received     string     `json:"received,omitempty"`
	Balance      int64      `json:"balance"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func toCheckDTO(r shop.CheckResult) CheckDTO {
	dto := CheckDTO{
		Code:         r.Code,
		Outcome:      string(r.Outcome),
		UserID:       int64(r.UserID),
		SettlementID: r.SettlementID,
		Balance:      r.Balance,
	}
	if !r.Expected.IsZero() {
		dto.Expected = r.Expected.String()
	}
	if r.Outcome == shop.OutcomeAmountMismatch {
		dto.Received = r.Received.String()
	}
	if !r.ExpiresAt.IsZero() {
		at := r.ExpiresAt
		dto.ExpiresAt = &at
	}
	return dto
}

// =============================================================================
// ADMIN
// =============================================================================

type NewItemRequest struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Credentials string `json:"credentials"`
	MediaRef    string `json:"media_ref"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

type DescriptionRequest struct {
	Description string `json:"description"`
}

type BalanceAdjustmentRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
}

type BalanceAdjustmentDTO struct {
	Account AccountDTO `json:"account"`
	Applied int64      `json:"applied"`
}

type StatsDTO struct {
	Total     int `json:"total"`
	LastWeek  int `json:"last_week"`
	ThisMonth int `json:"this_month"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type RecheckRequest struct {
	Workers int `json:"workers"`
	Limit   int `json:"limit"`
}

type PendingReportDTO struct {
	Checked  int            `json:"checked"`
	Outcomes map[string]int `json:"outcomes"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
