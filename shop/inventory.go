package shop

import (
	"context"
	"strings"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Catalog is the read and administrative face of the per-shard inventory.
// Purchases do not go through it; see PurchaseEngine.
type Catalog struct {
	items InventoryStore
	clock Clock
}

func NewCatalog(items InventoryStore, clock Clock) *Catalog {
	if clock == nil {
		clock = RealClock{}
	}
	return &Catalog{items: items, clock: clock}
}

func (c *Catalog) Shards() []ShardID {
	return c.items.Shards()
}

// HasShard reports whether shard is configured.
func (c *Catalog) HasShard(shard ShardID) bool {
	for _, s := range c.items.Shards() {
		if s == shard {
			return true
		}
	}
	return false
}

// List returns available items newest first.
func (c *Catalog) List(ctx context.Context, shard ShardID, category string, limit, offset int) ([]ItemSummary, error) {
	if !c.HasShard(shard) {
		return nil, ErrUnknownShard
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	items, err := c.items.ListAvailable(ctx, shard, strings.TrimSpace(category), limit, offset)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	return items, nil
}

// Count returns the number of available items.
func (c *Catalog) Count(ctx context.Context, shard ShardID, category string) (int, error) {
	if !c.HasShard(shard) {
		return 0, ErrUnknownShard
	}
	n, err := c.items.CountAvailable(ctx, shard, strings.TrimSpace(category))
	if err != nil {
		return 0, storageErr("count items", err)
	}
	return n, nil
}

// Get returns the item with its credentials. Presentation layers decide who
// may see them.
func (c *Catalog) Get(ctx context.Context, shard ShardID, id ItemID) (Item, error) {
	if !c.HasShard(shard) {
		return Item{}, ErrUnknownShard
	}
	item, err := c.items.GetItem(ctx, shard, id)
	if err != nil {
		return Item{}, storageErr("get item", err)
	}
	return item, nil
}

// Insert validates and stores a new available item.
func (c *Catalog) Insert(ctx context.Context, shard ShardID, item NewItem) (ItemID, error) {
	if !c.HasShard(shard) {
		return 0, ErrUnknownShard
	}
	if item.Price <= 0 {
		return 0, ErrInvalidAmount
	}
	item.Title = strings.TrimSpace(item.Title)
	item.Category = strings.TrimSpace(item.Category)
	if item.Title == "" || item.Credentials == "" {
		return 0, ErrInvalidItem
	}
	id, err := c.items.InsertItem(ctx, shard, item, c.clock.Now())
	if err != nil {
		return 0, storageErr("insert item", err)
	}
	return id, nil
}

// Delete hard-deletes regardless of status.
func (c *Catalog) Delete(ctx context.Context, shard ShardID, id ItemID) (bool, error) {
	if !c.HasShard(shard) {
		return false, ErrUnknownShard
	}
	ok, err := c.items.DeleteItem(ctx, shard, id)
	if err != nil {
		return false, storageErr("delete item", err)
	}
	return ok, nil
}

// UpdateDescription replaces the caption only.
func (c *Catalog) UpdateDescription(ctx context.Context, shard ShardID, id ItemID, text string) (bool, error) {
	if !c.HasShard(shard) {
		return false, ErrUnknownShard
	}
	ok, err := c.items.UpdateDescription(ctx, shard, id, text, c.clock.Now())
	if err != nil {
		return false, storageErr("update description", err)
	}
	return ok, nil
}
