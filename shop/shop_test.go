/*
shop_test.go - Shared fixtures for storefront core tests

The core is exercised against the in-memory store. The SQLite store runs
the same behaviors in store/sqlite.
*/
package shop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/shop"
	"github.com/warp/storefront/shop/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var testStart = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

const testAdmin = "shop_owner"

// fakeSettlement is a scriptable SettlementLookup.
type fakeSettlement struct {
	mu        sync.Mutex
	transfers map[string][]shop.Transfer
	err       error
	calls     int
}

func newFakeSettlement() *fakeSettlement {
	return &fakeSettlement{transfers: make(map[string][]shop.Transfer)}
}

func (f *fakeSettlement) FindTransfers(_ context.Context, code string) ([]shop.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]shop.Transfer(nil), f.transfers[code]...), nil
}

func (f *fakeSettlement) received(code, settlementID string, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[code] = append(f.transfers[code], shop.Transfer{
		SettlementID: settlementID,
		Status:       shop.TransferReceived,
		Direction:    shop.DirectionIncoming,
		Amount:       decimal.RequireFromString(amount),
		Raw:          []byte(`{"operation_id":"` + settlementID + `"}`),
	})
}

func (f *fakeSettlement) add(code string, t shop.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[code] = append(f.transfers[code], t)
}

func (f *fakeSettlement) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store      *store.Memory
	clock      *shop.ManualClock
	settlement *fakeSettlement
	svc        *shop.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory("8", "7", "6")
	clock := shop.NewManualClock(testStart)
	settlement := newFakeSettlement()
	svc := shop.NewService(shop.Config{
		Store:      mem,
		Settlement: settlement,
		Authorizer: shop.NewAllowList(testAdmin),
		Clock:      clock,
		Intents:    shop.DefaultIntentConfig(),
	})
	return &fixture{store: mem, clock: clock, settlement: settlement, svc: svc}
}

func (f *fixture) user(t *testing.T, id shop.UserID, identity string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.EnsureUser(ctx, id, identity)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.svc.Ledger.Credit(ctx, id, balance)
		require.NoError(t, err)
	}
}

func (f *fixture) item(t *testing.T, shard shop.ShardID, title string, price int64) shop.ItemID {
	t.Helper()
	id, err := f.svc.Admin.AddItem(context.Background(), testAdmin, shard, shop.NewItem{
		Category:    "steam",
		Title:       title,
		Credentials: "login:" + title + " pass:secret",
		Price:       price,
	})
	require.NoError(t, err)
	return id
}
