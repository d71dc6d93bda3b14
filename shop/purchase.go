/*
purchase.go - Purchase Transaction Engine

PURPOSE:
  Executes a purchase as one all-or-nothing unit over a single shard and the
  balance rows: debit the buyer, flip the item to sold, append a sale record.

ALGORITHM:
  1. Open a PurchaseTx on the item's shard
  2. Re-read the item; absent or not available -> not_available
  3. Re-read the balance; below price -> insufficient
  4. Debit exactly the price
  5. Conditionally flip available -> sold; zero rows -> not_available
  6. Insert the sale record
  7. Commit and hand the credentials to the caller

  Step 5 is the race guard. Two buyers can both pass step 2; only one of them
  changes the row in step 5, and the other rolls back its debit.

OUTCOMES:
  ok, not_available, insufficient, error(reason). Nothing is retried here.

SEE ALSO:
  - store.go: PurchaseTx contract
  - store/sqlite/purchase.go: BEGIN IMMEDIATE implementation
*/
package shop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
)

type PurchaseStatus string

const (
	PurchaseOK           PurchaseStatus = "ok"
	PurchaseNotAvailable PurchaseStatus = "not_available"
	PurchaseInsufficient PurchaseStatus = "insufficient"
	PurchaseError        PurchaseStatus = "error"
)

// PurchaseResult is returned for every purchase attempt. Credentials, Title,
// Price and SaleID are only set when Status is PurchaseOK.
type PurchaseResult struct {
	Status      PurchaseStatus
	Reason      string
	Shard       ShardID
	ItemID      ItemID
	Title       string
	Price       int64
	Credentials string
	SaleID      SaleID
	Balance     int64 // buyer balance after the attempt
}

// Err maps the outcome onto the error taxonomy. Nil for PurchaseOK.
func (r PurchaseResult) Err() error {
	switch r.Status {
	case PurchaseOK:
		return nil
	case PurchaseNotAvailable:
		return ErrItemUnavailable
	case PurchaseInsufficient:
		return &InsufficientFundsError{Available: r.Balance, Requested: r.Price}
	default:
		return &StorageError{Op: "purchase", Err: errors.New(r.Reason)}
	}
}

// errAbort rolls back a purchase whose outcome is already decided.
var errAbort = errors.New("purchase aborted")

// PurchaseEngine coordinates the ledger debit and the inventory flip.
type PurchaseEngine struct {
	store PurchaseStore
	clock Clock
}

func NewPurchaseEngine(store PurchaseStore, clock Clock) *PurchaseEngine {
	if clock == nil {
		clock = RealClock{}
	}
	return &PurchaseEngine{store: store, clock: clock}
}

// Purchase buys item id in shard for userID. The returned error is non-nil
// only when Status is PurchaseError; expected outcomes live in Status.
func (e *PurchaseEngine) Purchase(ctx context.Context, userID UserID, shard ShardID, id ItemID) (PurchaseResult, error) {
	res := PurchaseResult{Shard: shard, ItemID: id}
	now := e.clock.Now()

	err := e.store.WithPurchaseTx(ctx, shard, func(tx PurchaseTx) error {
		item, err := tx.GetItem(ctx, id)
		if IsNotFound(err) {
			res.Status = PurchaseNotAvailable
			return errAbort
		}
		if err != nil {
			return fmt.Errorf("read item: %w", err)
		}
		res.Price = item.Price
		res.Title = item.Title
		if !item.Available() {
			res.Status = PurchaseNotAvailable
			return errAbort
		}

		balance, err := tx.Balance(ctx, userID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		res.Balance = balance
		if balance < item.Price {
			res.Status = PurchaseInsufficient
			return errAbort
		}

		newBalance, err := tx.Debit(ctx, userID, item.Price, now)
		if err != nil {
			return fmt.Errorf("debit: %w", err)
		}

		sold, err := tx.MarkSold(ctx, id, now)
		if err != nil {
			return fmt.Errorf("mark sold: %w", err)
		}
		if !sold {
			res.Status = PurchaseNotAvailable
			return errAbort
		}

		saleID, err := tx.InsertSale(ctx, Sale{
			UserID:    userID,
			Shard:     shard,
			ItemID:    id,
			Price:     item.Price,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}

		res.Status = PurchaseOK
		res.Credentials = item.Credentials
		res.SaleID = saleID
		res.Balance = newBalance
		return nil
	})

	fields := []zap.Field{
		zap.Int64("user_id", int64(userID)),
		zap.String("shard", string(shard)),
		zap.Int64("item_id", int64(id)),
	}

	switch {
	case err == nil, errors.Is(err, errAbort):
		logger.InfoCtx(ctx, "purchase", append(fields, zap.String("status", string(res.Status)))...)
		return res, nil
	case errors.Is(err, ErrUnknownShard):
		res.Status = PurchaseError
		res.Reason = err.Error()
		return res, err
	default:
		res = PurchaseResult{Status: PurchaseError, Reason: err.Error(), Shard: shard, ItemID: id}
		serr := storageErr("purchase", err)
		logger.ErrorCtx(ctx, serr, append(fields, zap.String("status", string(PurchaseError)))...)
		return res, serr
	}
}
