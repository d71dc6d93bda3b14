// Package store provides an in-memory shop.Store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/storefront/shop"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements shop.Store. A single mutex serializes every operation,
// which makes each purchase transaction trivially isolated.
type Memory struct {
	mu sync.RWMutex

	shards   []shop.ShardID
	accounts map[shop.UserID]shop.Account
	items    map[shop.ShardID]map[shop.ItemID]shop.Item
	nextItem map[shop.ShardID]shop.ItemID
	sales    []shop.Sale
	intents  map[string]shop.PaymentIntent
	audit    []shop.AuditEntry

	nextIntent shop.IntentID
}

var _ shop.Store = (*Memory)(nil)

func NewMemory(shards ...shop.ShardID) *Memory {
	m := &Memory{
		shards:   append([]shop.ShardID(nil), shards...),
		accounts: make(map[shop.UserID]shop.Account),
		items:    make(map[shop.ShardID]map[shop.ItemID]shop.Item),
		nextItem: make(map[shop.ShardID]shop.ItemID),
		intents:  make(map[string]shop.PaymentIntent),
	}
	for _, s := range shards {
		m.items[s] = make(map[shop.ItemID]shop.Item)
	}
	return m
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) EnsureAccount(_ context.Context, userID shop.UserID, identity string, at time.Time) (shop.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		acct = shop.Account{UserID: userID, CreatedAt: at}
	}
	if identity != "" && acct.Identity != identity {
		acct.Identity = identity
		acct.UpdatedAt = at
	}
	if !ok {
		acct.UpdatedAt = at
	}
	m.accounts[userID] = acct
	return acct, nil
}

func (m *Memory) GetAccount(_ context.Context, userID shop.UserID) (shop.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return shop.Account{}, shop.ErrUserNotFound
	}
	return acct, nil
}

func (m *Memory) FindAccount(_ context.Context, identity string) (shop.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// lowest user id wins when two accounts share an identity
	var found *shop.Account
	for _, acct := range m.accounts {
		if acct.Identity != "" && strings.EqualFold(acct.Identity, identity) {
			if found == nil || acct.UserID < found.UserID {
				a := acct
				found = &a
			}
		}
	}
	if found == nil {
		return shop.Account{}, shop.ErrUserNotFound
	}
	return *found, nil
}

func (m *Memory) AdjustBalance(_ context.Context, userID shop.UserID, delta int64, at time.Time) (shop.Account, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delta > 0 && m.accounts[userID].Balance > math.MaxInt64-delta {
		return shop.Account{}, 0, shop.ErrBalanceOverflow
	}
	acct, applied := m.adjustLocked(userID, delta, at)
	return acct, applied, nil
}

func (m *Memory) adjustLocked(userID shop.UserID, delta int64, at time.Time) (shop.Account, int64) {
	acct, ok := m.accounts[userID]
	if !ok {
		acct = shop.Account{UserID: userID, CreatedAt: at}
	}
	next := acct.Balance + delta
	if next < 0 {
		next = 0
	}
	applied := next - acct.Balance
	acct.Balance = next
	acct.UpdatedAt = at
	m.accounts[userID] = acct
	return acct, applied
}

func (m *Memory) CountAccounts(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, acct := range m.accounts {
		if !acct.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// INVENTORY
// =============================================================================

func (m *Memory) Shards() []shop.ShardID {
	return append([]shop.ShardID(nil), m.shards...)
}

func (m *Memory) shard(shard shop.ShardID) (map[shop.ItemID]shop.Item, error) {
	items, ok := m.items[shard]
	if !ok {
		return nil, shop.ErrUnknownShard
	}
	return items, nil
}

func (m *Memory) available(shard shop.ShardID, category string) ([]shop.Item, error) {
	items, err := m.shard(shard)
	if err != nil {
		return nil, err
	}
	var out []shop.Item
	for _, it := range items {
		if it.Status != shop.ItemAvailable {
			continue
		}
		if category != "" && it.Category != category {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) ListAvailable(_ context.Context, shard shop.ShardID, category string, limit, offset int) ([]shop.ItemSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items, err := m.available(shard, category)
	if err != nil {
		return nil, err
	}
	if offset >= len(items) {
		return []shop.ItemSummary{}, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]shop.ItemSummary, len(items))
	for i, it := range items {
		out[i] = shop.ItemSummary{ID: it.ID, Title: it.Title, Price: it.Price}
	}
	return out, nil
}

func (m *Memory) CountAvailable(_ context.Context, shard shop.ShardID, category string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items, err := m.available(shard, category)
	return len(items), err
}

func (m *Memory) GetItem(_ context.Context, shard shop.ShardID, id shop.ItemID) (shop.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(shard, id)
}

func (m *Memory) getItemLocked(shard shop.ShardID, id shop.ItemID) (shop.Item, error) {
	items, err := m.shard(shard)
	if err != nil {
		return shop.Item{}, err
	}
	it, ok := items[id]
	if !ok {
		return shop.Item{}, shop.ErrItemNotFound
	}
	return it, nil
}

func (m *Memory) InsertItem(_ context.Context, shard shop.ShardID, item shop.NewItem, at time.Time) (shop.ItemID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.shard(shard)
	if err != nil {
		return 0, err
	}
	m.nextItem[shard]++
	id := m.nextItem[shard]
	items[id] = shop.Item{
		ID:          id,
		Shard:       shard,
		Category:    item.Category,
		Title:       item.Title,
		Credentials: item.Credentials,
		MediaRef:    item.MediaRef,
		Description: item.Description,
		Price:       item.Price,
		Status:      shop.ItemAvailable,
		CreatedBy:   item.CreatedBy,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	return id, nil
}

func (m *Memory) DeleteItem(_ context.Context, shard shop.ShardID, id shop.ItemID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.shard(shard)
	if err != nil {
		return false, err
	}
	if _, ok := items[id]; !ok {
		return false, nil
	}
	delete(items, id)
	return true, nil
}

func (m *Memory) UpdateDescription(_ context.Context, shard shop.ShardID, id shop.ItemID, text string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.shard(shard)
	if err != nil {
		return false, err
	}
	it, ok := items[id]
	if !ok {
		return false, nil
	}
	it.Description = text
	it.UpdatedAt = at
	items[id] = it
	return true, nil
}

// =============================================================================
// PURCHASE TRANSACTION
// =============================================================================

// WithPurchaseTx holds the store lock for the whole of fn. On error the
// touched state is restored from a snapshot.
func (m *Memory) WithPurchaseTx(ctx context.Context, shard shop.ShardID, fn func(shop.PurchaseTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.shard(shard)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot(shard, items)
	if err := fn(&txView{parent: m, shard: shard}); err != nil {
		m.restore(shard, snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[shop.UserID]shop.Account
	items    map[shop.ItemID]shop.Item
	nextItem shop.ItemID
	sales    int
}

func (m *Memory) snapshot(shard shop.ShardID, items map[shop.ItemID]shop.Item) memorySnapshot {
	accts := make(map[shop.UserID]shop.Account, len(m.accounts))
	for k, v := range m.accounts {
		accts[k] = v
	}
	itemsCopy := make(map[shop.ItemID]shop.Item, len(items))
	for k, v := range items {
		itemsCopy[k] = v
	}
	return memorySnapshot{accounts: accts, items: itemsCopy, nextItem: m.nextItem[shard], sales: len(m.sales)}
}

func (m *Memory) restore(shard shop.ShardID, s memorySnapshot) {
	m.accounts = s.accounts
	m.items[shard] = s.items
	m.nextItem[shard] = s.nextItem
	m.sales = m.sales[:s.sales]
}

type txView struct {
	parent *Memory
	shard  shop.ShardID
}

func (tv *txView) GetItem(_ context.Context, id shop.ItemID) (shop.Item, error) {
	return tv.parent.getItemLocked(tv.shard, id)
}

func (tv *txView) Balance(_ context.Context, userID shop.UserID) (int64, error) {
	return tv.parent.accounts[userID].Balance, nil
}

func (tv *txView) Debit(_ context.Context, userID shop.UserID, amount int64, at time.Time) (int64, error) {
	acct := tv.parent.accounts[userID]
	if acct.Balance < amount {
		return 0, &shop.InsufficientFundsError{UserID: userID, Available: acct.Balance, Requested: amount}
	}
	acct, _ = tv.parent.adjustLocked(userID, -amount, at)
	return acct.Balance, nil
}

func (tv *txView) MarkSold(_ context.Context, id shop.ItemID, at time.Time) (bool, error) {
	items := tv.parent.items[tv.shard]
	it, ok := items[id]
	if !ok || it.Status != shop.ItemAvailable {
		return false, nil
	}
	it.Status = shop.ItemSold
	it.UpdatedAt = at
	items[id] = it
	return true, nil
}

func (tv *txView) InsertSale(_ context.Context, sale shop.Sale) (shop.SaleID, error) {
	sale.ID = shop.SaleID(len(tv.parent.sales) + 1)
	tv.parent.sales = append(tv.parent.sales, sale)
	return sale.ID, nil
}

// =============================================================================
// SALES
// =============================================================================

func (m *Memory) ListSales(_ context.Context, userID shop.UserID, limit int) ([]shop.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []shop.Sale
	for i := len(m.sales) - 1; i >= 0; i-- {
		if m.sales[i].UserID != userID {
			continue
		}
		out = append(out, m.sales[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// PAYMENT INTENTS
// =============================================================================

func (m *Memory) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.intents[code]
	return ok, nil
}

func (m *Memory) CreateIntent(_ context.Context, intent shop.PaymentIntent) (shop.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.Code]; ok {
		return shop.PaymentIntent{}, fmt.Errorf("code %s: %w", intent.Code, shop.ErrDuplicateCode)
	}
	m.nextIntent++
	intent.ID = m.nextIntent
	m.intents[intent.Code] = intent
	return intent, nil
}

func (m *Memory) GetIntent(_ context.Context, code string) (shop.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[code]
	if !ok {
		return shop.PaymentIntent{}, shop.ErrIntentNotFound
	}
	return intent, nil
}

func (m *Memory) MarkIntentSuccess(_ context.Context, code, settlementID string, raw json.RawMessage, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[code]
	if !ok || intent.Status != shop.IntentPending {
		return false, nil
	}
	intent.Status = shop.IntentSuccess
	intent.SettlementID = settlementID
	intent.RawPayload = append(json.RawMessage(nil), raw...)
	intent.UpdatedAt = at
	m.intents[code] = intent
	return true, nil
}

func (m *Memory) ListPendingIntents(_ context.Context, since time.Time, limit int) ([]shop.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []shop.PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == shop.IntentPending && !intent.CreatedAt.Before(since) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry shop.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter shop.AuditFilter) ([]shop.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []shop.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Actor != "" && !strings.EqualFold(e.Actor, filter.Actor) {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func containsAction(actions []shop.AuditAction, a shop.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
