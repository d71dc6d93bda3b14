/*
reconcile.go - Reconciliation Engine

PURPOSE:
  Matches a pending top-up intent against the transfers the marketplace
  reports for its correlation code, and credits the ledger exactly once.

STATE MACHINE (per intent, as seen by callers):

    pending --exact match--> success   (credit applied, terminal)
    pending --window over--> expired   (derived, stored status stays pending)

ALGORITHM (Check):
  1. Load the intent; absent -> not_found
  2. Already success -> already_settled (no lookup, no credit)
  3. Ask the settlement lookup; failure -> unavailable (never not_found)
  4. First received incoming transfer with an exactly equal amount wins
  5. Match: credit, then mark success; report settled
  6. A received transfer with another amount -> amount_mismatch
  7. Nothing received: expired or pending depending on the validity window

AT-MOST-ONCE CREDIT:
  Concurrent checks of one code inside this process share one execution via
  singleflight. The success mark is a conditional pending -> success update;
  if it does not apply after we credited, the credit is reversed. The reversal
  clamps at zero, so a user who spent the credit in between leaves a shortfall
  that is logged as an error. A crash between credit and mark is still
  unguarded and needs manual review.

CANCELLATION:
  The shared execution runs on a context detached from its callers'
  cancellation. A caller that gives up gets an error outcome at once while
  the check completes for everyone else. The settlement client's own timeout
  and retry budget bound how long it can run.

SEE ALSO:
  - intent.go: Intent storage and expiry
  - settlement/lolz: Marketplace implementation of SettlementLookup
*/
package shop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/storefront/logger"
)

type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeUnavailable    Outcome = "unavailable"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeExpired        Outcome = "expired"
	OutcomePending        Outcome = "pending"
	OutcomeFailed         Outcome = "failed"
	OutcomeError          Outcome = "error"
)

// CheckResult describes one reconciliation attempt.
type CheckResult struct {
	Code         string
	Outcome      Outcome
	UserID       UserID
	SettlementID string
	Expected     decimal.Decimal
	Received     decimal.Decimal // set for amount_mismatch
	Balance      int64           // buyer balance after a credit, or current for already_settled
	ExpiresAt    time.Time
	Cause        error // set for unavailable and error
}

// Err maps the outcome onto the error taxonomy. Nil for settled,
// already_settled and pending.
func (r CheckResult) Err() error {
	switch r.Outcome {
	case OutcomeNotFound:
		return ErrIntentNotFound
	case OutcomeUnavailable:
		if r.Cause != nil {
			return r.Cause
		}
		return ErrSettlementUnreachable
	case OutcomeAmountMismatch:
		return &AmountMismatchError{Code: r.Code, Expected: r.Expected, Received: r.Received, SettlementID: r.SettlementID}
	case OutcomeError:
		return r.Cause
	default:
		return nil
	}
}

// Reconciler drives payment intents to success.
type Reconciler struct {
	intents *IntentRegistry
	ledger  *Ledger
	lookup  SettlementLookup

	group singleflight.Group
}

func NewReconciler(intents *IntentRegistry, ledger *Ledger, lookup SettlementLookup) *Reconciler {
	return &Reconciler{intents: intents, ledger: ledger, lookup: lookup}
}

// Check reconciles one code. Concurrent calls for the same code share a
// single execution and result.
func (r *Reconciler) Check(ctx context.Context, code string) CheckResult {
	ch := r.group.DoChan(code, func() (any, error) {
		return r.check(context.WithoutCancel(ctx), code), nil
	})

	var res CheckResult
	select {
	case v := <-ch:
		res = v.Val.(CheckResult)
	case <-ctx.Done():
		res = CheckResult{Code: code, Outcome: OutcomeError, Cause: ctx.Err()}
	}
	logger.InfoCtx(ctx, "top-up checked",
		zap.String("code", code),
		zap.String("outcome", string(res.Outcome)),
		zap.String("settlement_id", res.SettlementID))
	return res
}

func (r *Reconciler) check(ctx context.Context, code string) CheckResult {
	res := CheckResult{Code: code}

	intent, err := r.intents.Get(ctx, code)
	if IsNotFound(err) {
		res.Outcome = OutcomeNotFound
		return res
	}
	if err != nil {
		return r.fail(ctx, res, err)
	}
	res.UserID = intent.UserID
	res.Expected = decimal.NewFromInt(intent.Amount)
	res.ExpiresAt = r.intents.ExpiresAt(intent)

	switch intent.Status {
	case IntentSuccess:
		res.Outcome = OutcomeAlreadySettled
		res.SettlementID = intent.SettlementID
		res.Balance, err = r.ledger.GetBalance(ctx, intent.UserID)
		if err != nil {
			return r.fail(ctx, res, err)
		}
		return res
	case IntentFailed:
		res.Outcome = OutcomeFailed
		return res
	}

	transfers, err := r.lookup.FindTransfers(ctx, code)
	if err != nil {
		if !IsCapabilityUnavailable(err) {
			err = errors.Join(ErrSettlementUnreachable, err)
		}
		logger.WarnCtx(ctx, "settlement lookup unavailable", zap.String("code", code), zap.Error(err))
		res.Outcome = OutcomeUnavailable
		res.Cause = err
		return res
	}

	match, mismatch := matchTransfer(transfers, res.Expected)
	if match != nil {
		return r.settle(ctx, res, intent, *match)
	}
	if mismatch != nil {
		res.Outcome = OutcomeAmountMismatch
		res.Received = mismatch.Amount
		res.SettlementID = mismatch.SettlementID
		logger.WarnCtx(ctx, "top-up amount mismatch",
			zap.String("code", code),
			zap.String("expected", res.Expected.String()),
			zap.String("received", mismatch.Amount.String()))
		return res
	}

	if r.intents.IsExpired(intent) {
		res.Outcome = OutcomeExpired
	} else {
		res.Outcome = OutcomePending
	}
	return res
}

// matchTransfer returns the first received incoming transfer with exactly the
// expected amount, and otherwise the first received one with any amount.
func matchTransfer(transfers []Transfer, expected decimal.Decimal) (match, mismatch *Transfer) {
	for i := range transfers {
		t := &transfers[i]
		if !t.SettledIncoming() {
			continue
		}
		if t.Amount.Equal(expected) {
			return t, nil
		}
		if mismatch == nil {
			mismatch = t
		}
	}
	return nil, mismatch
}

func (r *Reconciler) settle(ctx context.Context, res CheckResult, intent PaymentIntent, t Transfer) CheckResult {
	balance, err := r.ledger.Credit(ctx, intent.UserID, intent.Amount)
	if err != nil {
		return r.fail(ctx, res, err)
	}

	marked, err := r.intents.MarkSuccess(ctx, intent.Code, t.SettlementID, t.Raw)
	if err != nil || !marked {
		// The intent is not ours to settle (or we cannot tell); take the credit back.
		_, applied, rerr := r.ledger.debit(ctx, intent.UserID, intent.Amount)
		switch {
		case rerr != nil:
			logger.ErrorCtx(ctx, rerr,
				zap.String("code", intent.Code),
				zap.Int64("user_id", int64(intent.UserID)),
				zap.String("note", "credit applied but intent not marked; manual reconciliation required"))
		case applied < intent.Amount:
			logger.ErrorCtx(ctx, errReversalShort,
				zap.String("code", intent.Code),
				zap.Int64("user_id", int64(intent.UserID)),
				zap.Int64("credited", intent.Amount),
				zap.Int64("recovered", applied),
				zap.Int64("shortfall", intent.Amount-applied))
		}
		if err != nil {
			return r.fail(ctx, res, err)
		}
		current, gerr := r.intents.Get(ctx, intent.Code)
		if gerr != nil {
			return r.fail(ctx, res, gerr)
		}
		res.Outcome = OutcomeAlreadySettled
		res.SettlementID = current.SettlementID
		res.Balance, _ = r.ledger.GetBalance(ctx, intent.UserID)
		return res
	}

	logger.InfoCtx(ctx, "top-up settled",
		zap.String("code", intent.Code),
		zap.Int64("user_id", int64(intent.UserID)),
		zap.Int64("amount", intent.Amount),
		zap.String("settlement_id", t.SettlementID))

	res.Outcome = OutcomeSettled
	res.SettlementID = t.SettlementID
	res.Balance = balance
	return res
}

// errReversalShort is logged when taking back a credit hit the zero clamp.
var errReversalShort = errors.New("credit reversal recovered less than credited")

func (r *Reconciler) fail(ctx context.Context, res CheckResult, err error) CheckResult {
	err = storageErr("reconcile", err)
	logger.ErrorCtx(ctx, err, zap.String("code", res.Code))
	res.Outcome = OutcomeError
	res.Cause = err
	return res
}

// =============================================================================
// PENDING RE-CHECK
// =============================================================================

// PendingReport counts outcomes of a CheckPending run.
type PendingReport struct {
	Checked  int
	Outcomes map[Outcome]int
}

// CheckPending re-checks up to limit non-expired pending intents on a pool of
// workers goroutines.
func (r *Reconciler) CheckPending(ctx context.Context, workers, limit int) (PendingReport, error) {
	report := PendingReport{Outcomes: make(map[Outcome]int)}

	intents, err := r.intents.Pending(ctx, limit)
	if err != nil {
		return report, err
	}
	if len(intents) == 0 {
		return report, nil
	}
	if workers <= 0 {
		workers = 1
	}

	pool := pond.NewPool(workers, pond.WithContext(ctx))
	var mu sync.Mutex
	for _, intent := range intents {
		code := intent.Code
		pool.Submit(func() {
			res := r.Check(ctx, code)
			mu.Lock()
			report.Checked++
			report.Outcomes[res.Outcome]++
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
