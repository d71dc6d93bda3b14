/*
errors.go - Centralized error types for the storefront core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every specific error wraps exactly one taxonomy class so callers can
  classify with errors.Is without knowing the specific cause.

ERROR CATEGORIES:
  1. NotFound              - user, item or intent absent
  2. InvalidInput          - bad amount, malformed identity, unknown shard
  3. Conflict              - item no longer available at commit time
  4. InsufficientFunds     - balance below price
  5. AmountMismatch        - settlement found with a different amount
  6. CapabilityUnavailable - settlement lookup unauthenticated or unreachable
  7. Storage               - unexpected persistence failure (logged, never retried)

USAGE:

    if errors.Is(err, shop.ErrNotFound) {
        // render "no such payment"
    }

SEE ALSO:
  - purchase.go: Maps outcomes onto the taxonomy
  - reconcile.go: Result.Err()
  - api/handlers.go: Maps the taxonomy onto HTTP status codes
*/
package shop

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TAXONOMY - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("conflict")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAmountMismatch        = errors.New("amount mismatch")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrStorage               = errors.New("storage error")

	// ErrForbidden is returned when the authorization policy rejects an actor.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// SPECIFIC ERRORS - Each wraps one taxonomy class
// =============================================================================

var (
	ErrUserNotFound   = fmt.Errorf("user %w", ErrNotFound)
	ErrItemNotFound   = fmt.Errorf("item %w", ErrNotFound)
	ErrIntentNotFound = fmt.Errorf("payment intent %w", ErrNotFound)

	ErrInvalidAmount   = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	ErrInvalidIdentity = fmt.Errorf("%w: malformed identity", ErrInvalidInput)
	ErrUnknownShard    = fmt.Errorf("%w: unknown shard", ErrInvalidInput)
	ErrInvalidItem     = fmt.Errorf("%w: item fields", ErrInvalidInput)
	ErrAmountTooLarge  = fmt.Errorf("%w: amount exceeds limit", ErrInvalidInput)

	// ErrBalanceOverflow is returned by AccountStore.AdjustBalance when the
	// credited balance would not fit in an int64.
	ErrBalanceOverflow = fmt.Errorf("%w: balance would overflow", ErrInvalidInput)

	// ErrItemUnavailable is returned when an item was sold between read and write.
	ErrItemUnavailable = fmt.Errorf("%w: item not available", ErrConflict)

	// ErrDuplicateCode is returned by IntentStore.CreateIntent when the code is taken.
	ErrDuplicateCode = fmt.Errorf("%w: duplicate correlation code", ErrConflict)

	// ErrSettlementUnauthorized means the marketplace rejected our credentials.
	ErrSettlementUnauthorized = fmt.Errorf("%w: settlement lookup unauthorized", ErrCapabilityUnavailable)

	// ErrSettlementUnreachable means the marketplace could not be queried.
	ErrSettlementUnreachable = fmt.Errorf("%w: settlement lookup unreachable", ErrCapabilityUnavailable)

	// ErrCodeSpaceExhausted is returned when every correlation code attempt collided.
	ErrCodeSpaceExhausted = fmt.Errorf("%w: correlation code attempts exhausted", ErrStorage)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// AmountMismatchError is returned when a settled transfer exists under the
// code but its amount differs from the intent's.
type AmountMismatchError struct {
	Code         string
	Expected     decimal.Decimal
	Received     decimal.Decimal
	SettlementID string
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for %s: expected %s, received %s",
		e.Code, e.Expected.String(), e.Received.String())
}

func (e *AmountMismatchError) Unwrap() error {
	return ErrAmountMismatch
}

// StorageError wraps an unexpected persistence failure with the operation
// that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the storage class and the underlying cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// storageErr wraps err unless it already belongs to the taxonomy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if classified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func classified(err error) bool {
	for _, class := range []error{
		ErrNotFound, ErrInvalidInput, ErrConflict, ErrInsufficientFunds,
		ErrAmountMismatch, ErrCapabilityUnavailable, ErrStorage, ErrForbidden,
	} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true for expected outcomes that are surfaced verbatim
// to the end user.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAmountMismatch)
}

// IsCapabilityUnavailable returns true when an external dependency, not the
// request, is at fault. Operators should be alerted instead of users retrying.
func IsCapabilityUnavailable(err error) bool {
	return errors.Is(err, ErrCapabilityUnavailable)
}
