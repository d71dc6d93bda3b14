/*
ledger.go - Balance Ledger

PURPOSE:
  Owns each user's integer ruble balance. The ledger is a thin rule layer over
  AccountStore: it validates amounts and identities and stamps timestamps.

CLAMPING:
  Debit never drives a balance below zero. If the amount exceeds the balance,
  the balance becomes zero and the shortfall is silently dropped. Callers that
  need an exact debit must pre-check, or go through PurchaseEngine, which debits
  exactly inside its own transaction. DebitByIdentity reports the amount that
  was actually applied; callers must read it rather than assume the request.

SEE ALSO:
  - purchase.go: Exact debits inside a purchase transaction
  - reconcile.go: Credits for settled top-ups
  - admin.go: Grants and revocations by identity
*/
package shop

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)

// NormalizeIdentity trims whitespace and a leading '@'.
func NormalizeIdentity(identity string) string {
	return strings.TrimPrefix(strings.TrimSpace(identity), "@")
}

// ValidIdentity reports whether identity (after normalization) is well formed.
func ValidIdentity(identity string) bool {
	return identityPattern.MatchString(NormalizeIdentity(identity))
}

// Ledger manages user balances.
type Ledger struct {
	accounts AccountStore
	clock    Clock
}

func NewLedger(accounts AccountStore, clock Clock) *Ledger {
	if clock == nil {
		clock = RealClock{}
	}
	return &Ledger{accounts: accounts, clock: clock}
}

// EnsureAccount creates the account on first interaction. Calling it again
// refreshes the stored identity; it never touches the balance.
func (l *Ledger) EnsureAccount(ctx context.Context, userID UserID, identity string) (Account, error) {
	acct, err := l.accounts.EnsureAccount(ctx, userID, NormalizeIdentity(identity), l.clock.Now())
	if err != nil {
		return Account{}, storageErr("ensure account", err)
	}
	return acct, nil
}

// GetBalance returns 0 for unknown users.
func (l *Ledger) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	acct, err := l.accounts.GetAccount(ctx, userID)
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("get balance", err)
	}
	return acct.Balance, nil
}

// MaxAmount caps a single credit, top-up or grant.
const MaxAmount int64 = 1_000_000_000_000

func checkCreditAmount(amount int64) error {
	switch {
	case amount <= 0:
		return ErrInvalidAmount
	case amount > MaxAmount:
		return ErrAmountTooLarge
	}
	return nil
}

// Credit adds amount and returns the new balance. A credit that would overflow
// the balance fails with ErrBalanceOverflow.
func (l *Ledger) Credit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	if err := checkCreditAmount(amount); err != nil {
		return 0, err
	}
	acct, _, err := l.accounts.AdjustBalance(ctx, userID, amount, l.clock.Now())
	if err != nil {
		return 0, storageErr("credit", err)
	}
	logger.DebugCtx(ctx, "balance credited",
		zap.Int64("user_id", int64(userID)),
		zap.Int64("amount", amount),
		zap.Int64("balance", acct.Balance))
	return acct.Balance, nil
}

// Debit subtracts amount, clamping at zero, and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, userID UserID, amount int64) (int64, error) {
	balance, _, err := l.debit(ctx, userID, amount)
	return balance, err
}

// debit is Debit that also reports how much was actually removed.
func (l *Ledger) debit(ctx context.Context, userID UserID, amount int64) (balance, applied int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	acct, delta, err := l.accounts.AdjustBalance(ctx, userID, -amount, l.clock.Now())
	if err != nil {
		return 0, 0, storageErr("debit", err)
	}
	if -delta != amount {
		logger.WarnCtx(ctx, "debit clamped at zero",
			zap.Int64("user_id", int64(userID)),
			zap.Int64("requested", amount),
			zap.Int64("applied", -delta))
	}
	return acct.Balance, -delta, nil
}

// CreditByIdentity resolves identity case-insensitively and credits it.
func (l *Ledger) CreditByIdentity(ctx context.Context, identity string, amount int64) (Account, error) {
	if err := checkCreditAmount(amount); err != nil {
		return Account{}, err
	}
	acct, err := l.resolve(ctx, identity, amount)
	if err != nil {
		return Account{}, err
	}
	acct, _, err = l.accounts.AdjustBalance(ctx, acct.UserID, amount, l.clock.Now())
	if err != nil {
		return Account{}, storageErr("credit by identity", err)
	}
	return acct, nil
}

// DebitByIdentity resolves identity and debits at most the current balance.
// applied is the amount actually removed and may be less than amount.
func (l *Ledger) DebitByIdentity(ctx context.Context, identity string, amount int64) (acct Account, applied int64, err error) {
	acct, err = l.resolve(ctx, identity, amount)
	if err != nil {
		return Account{}, 0, err
	}
	acct, delta, err := l.accounts.AdjustBalance(ctx, acct.UserID, -amount, l.clock.Now())
	if err != nil {
		return Account{}, 0, storageErr("debit by identity", err)
	}
	return acct, -delta, nil
}

func (l *Ledger) resolve(ctx context.Context, identity string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	if !ValidIdentity(identity) {
		return Account{}, ErrInvalidIdentity
	}
	acct, err := l.accounts.FindAccount(ctx, NormalizeIdentity(identity))
	if err != nil {
		return Account{}, storageErr("find account", err)
	}
	return acct, nil
}
