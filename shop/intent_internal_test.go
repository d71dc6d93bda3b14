package shop

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collidingStore reports every code in taken as already used.
type collidingStore struct {
	taken   map[string]bool
	created []PaymentIntent
	racy    map[string]bool // CodeExists says free, CreateIntent says duplicate
}

func (s *collidingStore) CodeExists(_ context.Context, code string) (bool, error) {
	return s.taken[code], nil
}

func (s *collidingStore) CreateIntent(_ context.Context, intent PaymentIntent) (PaymentIntent, error) {
	if s.racy[intent.Code] {
		return PaymentIntent{}, ErrDuplicateCode
	}
	intent.ID = IntentID(len(s.created) + 1)
	s.created = append(s.created, intent)
	return intent, nil
}

func (s *collidingStore) GetIntent(context.Context, string) (PaymentIntent, error) {
	return PaymentIntent{}, ErrIntentNotFound
}

func (s *collidingStore) MarkIntentSuccess(context.Context, string, string, json.RawMessage, time.Time) (bool, error) {
	return false, nil
}

func (s *collidingStore) ListPendingIntents(context.Context, time.Time, int) ([]PaymentIntent, error) {
	return nil, nil
}

// sequence returns codes of the requested length from a counter.
func sequence() func(n int) (string, error) {
	i := 0
	return func(n int) (string, error) {
		i++
		return fmt.Sprintf("%0*d", n, i), nil
	}
}

func TestIntentRegistry_EscalatesCodeLengthAfterCollisions(t *testing.T) {
	// GIVEN: the first five 14-digit codes are taken
	st := &collidingStore{taken: map[string]bool{}}
	for i := 1; i <= 5; i++ {
		st.taken[fmt.Sprintf("%014d", i)] = true
	}
	r := NewIntentRegistry(st, NewManualClock(time.Unix(0, 0)), DefaultIntentConfig())
	r.codes = sequence()

	// WHEN: creating an intent
	intent, err := r.Create(context.Background(), 1, 500)

	// THEN: a 16-digit code is issued
	require.NoError(t, err)
	assert.Len(t, intent.Code, 16)
	assert.Equal(t, IntentPending, intent.Status)
	assert.Equal(t, "lolz", intent.Method)
}

func TestIntentRegistry_ExhaustionIsStorageError(t *testing.T) {
	st := &collidingStore{taken: map[string]bool{}}
	r := NewIntentRegistry(st, nil, DefaultIntentConfig())
	r.codes = func(n int) (string, error) { return "dup", nil }
	st.taken["dup"] = true

	_, err := r.Create(context.Background(), 1, 500)

	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, st.created)
}

func TestIntentRegistry_RetriesWhenInsertRaces(t *testing.T) {
	st := &collidingStore{taken: map[string]bool{}, racy: map[string]bool{"00000000000001": true}}
	r := NewIntentRegistry(st, nil, DefaultIntentConfig())
	r.codes = sequence()

	intent, err := r.Create(context.Background(), 1, 500)

	require.NoError(t, err)
	assert.Equal(t, "00000000000002", intent.Code)
}

func TestIntentRegistry_RejectsNonPositiveAmount(t *testing.T) {
	r := NewIntentRegistry(&collidingStore{}, nil, IntentConfig{})

	_, err := r.Create(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = r.Create(context.Background(), 1, MaxAmount+1)
	assert.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestRandomDigits(t *testing.T) {
	code, err := randomDigits(14)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{14}$`, code)
}

func TestIntentRegistry_ExpiryBoundary(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewIntentRegistry(&collidingStore{}, clock, IntentConfig{ValidityWindow: 10 * time.Minute})
	intent := PaymentIntent{CreatedAt: clock.Now()}

	clock.Advance(10 * time.Minute)
	assert.False(t, r.IsExpired(intent), "exactly at the window edge is still valid")

	clock.Advance(time.Nanosecond)
	assert.True(t, r.IsExpired(intent))
}
