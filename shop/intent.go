package shop

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
)

// IntentConfig controls correlation code generation and expiry.
type IntentConfig struct {
	Method         string
	ValidityWindow time.Duration

	// CodeLength digits are drawn for the first CodeAttempts tries, then
	// ExtendedCodeLength digits for another CodeAttempts tries.
	CodeLength         int
	ExtendedCodeLength int
	CodeAttempts       int
}

func DefaultIntentConfig() IntentConfig {
	return IntentConfig{
		Method:             "lolz",
		ValidityWindow:     time.Hour,
		CodeLength:         14,
		ExtendedCodeLength: 16,
		CodeAttempts:       5,
	}
}

// IntentRegistry creates and tracks top-up intents.
type IntentRegistry struct {
	store IntentStore
	clock Clock
	cfg   IntentConfig

	// codes draws a numeric code of n digits; replaced in tests.
	codes func(n int) (string, error)
}

func NewIntentRegistry(store IntentStore, clock Clock, cfg IntentConfig) *IntentRegistry {
	def := DefaultIntentConfig()
	if cfg.Method == "" {
		cfg.Method = def.Method
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = def.ValidityWindow
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.ExtendedCodeLength < cfg.CodeLength {
		cfg.ExtendedCodeLength = cfg.CodeLength + 2
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = def.CodeAttempts
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &IntentRegistry{store: store, clock: clock, cfg: cfg, codes: randomDigits}
}

// Create issues a pending intent with a fresh correlation code. Codes are
// never reused, even after the previous holder reached a terminal state.
func (r *IntentRegistry) Create(ctx context.Context, userID UserID, amount int64) (PaymentIntent, error) {
	if err := checkCreditAmount(amount); err != nil {
		return PaymentIntent{}, err
	}

	lengths := []int{r.cfg.CodeLength, r.cfg.ExtendedCodeLength}
	for _, n := range lengths {
		for attempt := 0; attempt < r.cfg.CodeAttempts; attempt++ {
			code, err := r.codes(n)
			if err != nil {
				return PaymentIntent{}, storageErr("generate code", err)
			}
			exists, err := r.store.CodeExists(ctx, code)
			if err != nil {
				return PaymentIntent{}, storageErr("check code", err)
			}
			if exists {
				continue
			}

			now := r.clock.Now()
			intent, err := r.store.CreateIntent(ctx, PaymentIntent{
				UserID:    userID,
				Method:    r.cfg.Method,
				Amount:    amount,
				Code:      code,
				Status:    IntentPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if errors.Is(err, ErrDuplicateCode) {
				// lost a race with a concurrent Create
				continue
			}
			if err != nil {
				return PaymentIntent{}, storageErr("create intent", err)
			}
			logger.InfoCtx(ctx, "payment intent created",
				zap.Int64("user_id", int64(userID)),
				zap.Int64("amount", amount),
				zap.String("code", code))
			return intent, nil
		}
	}

	logger.ErrorCtx(ctx, ErrCodeSpaceExhausted, zap.Int64("user_id", int64(userID)))
	return PaymentIntent{}, ErrCodeSpaceExhausted
}

func (r *IntentRegistry) Get(ctx context.Context, code string) (PaymentIntent, error) {
	intent, err := r.store.GetIntent(ctx, code)
	if err != nil {
		return PaymentIntent{}, storageErr("get intent", err)
	}
	return intent, nil
}

// MarkSuccess moves a pending intent to success. It reports false, without
// error, when the intent was already terminal.
func (r *IntentRegistry) MarkSuccess(ctx context.Context, code, settlementID string, raw []byte) (bool, error) {
	ok, err := r.store.MarkIntentSuccess(ctx, code, settlementID, raw, r.clock.Now())
	if err != nil {
		return false, storageErr("mark intent success", err)
	}
	return ok, nil
}

// IsExpired reports whether the validity window has elapsed. Expiry is
// derived; the stored status stays pending.
func (r *IntentRegistry) IsExpired(intent PaymentIntent) bool {
	return r.clock.Now().Sub(intent.CreatedAt) > r.cfg.ValidityWindow
}

// ExpiresAt is the instant after which the intent is considered expired.
func (r *IntentRegistry) ExpiresAt(intent PaymentIntent) time.Time {
	return intent.CreatedAt.Add(r.cfg.ValidityWindow)
}

// Pending lists pending intents that have not expired yet, oldest first.
func (r *IntentRegistry) Pending(ctx context.Context, limit int) ([]PaymentIntent, error) {
	since := r.clock.Now().Add(-r.cfg.ValidityWindow)
	intents, err := r.store.ListPendingIntents(ctx, since, limit)
	if err != nil {
		return nil, storageErr("list pending intents", err)
	}
	return intents, nil
}

var maxDigit = big.NewInt(10)

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	for i := range buf {
		d, err := rand.Int(rand.Reader, maxDigit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}
