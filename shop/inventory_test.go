package shop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/shop"
)

func TestCatalog_ListNewestFirstWithPaging(t *testing.T) {
	// GIVEN: five items in one shard
	f := newFixture(t)
	ctx := context.Background()
	var ids []shop.ItemID
	for i, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.item(t, "8", title, int64(100+i)))
	}

	// WHEN: paging two at a time
	page1, err := f.svc.Catalog.List(ctx, "8", "", 2, 0)
	require.NoError(t, err)
	page2, err := f.svc.Catalog.List(ctx, "8", "", 2, 2)
	require.NoError(t, err)
	page3, err := f.svc.Catalog.List(ctx, "8", "", 2, 4)
	require.NoError(t, err)
	beyond, err := f.svc.Catalog.List(ctx, "8", "", 2, 10)
	require.NoError(t, err)

	// THEN: descending ids, restartable via offset
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, "e", page1[0].Title)
	assert.Equal(t, int64(104), page1[0].Price)
	assert.Equal(t, ids[3], page1[1].ID)
	assert.Equal(t, []shop.ItemID{ids[2], ids[1]}, []shop.ItemID{page2[0].ID, page2[1].ID})
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)
	assert.Empty(t, beyond)
}

func TestCatalog_ListFiltersCategoryAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1, "buyer_one", 1000)
	sold := f.item(t, "8", "steam-1", 100)
	f.item(t, "8", "steam-2", 100)
	_, err := f.svc.Admin.AddItem(ctx, testAdmin, "8", shop.NewItem{Category: "epic", Title: "epic-1", Credentials: "c", Price: 100})
	require.NoError(t, err)
	_, err = f.svc.Purchase(ctx, 1, "8", sold)
	require.NoError(t, err)

	steam, err := f.svc.Catalog.List(ctx, "8", "steam", 10, 0)
	require.NoError(t, err)
	all, err := f.svc.Catalog.Count(ctx, "8", "")
	require.NoError(t, err)
	epic, err := f.svc.Catalog.Count(ctx, "8", "epic")
	require.NoError(t, err)

	require.Len(t, steam, 1)
	assert.Equal(t, "steam-2", steam[0].Title)
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, epic)
}

func TestCatalog_UnknownShard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Catalog.List(ctx, "1", "", 10, 0)
	assert.ErrorIs(t, err, shop.ErrUnknownShard)
	_, err = f.svc.Catalog.Count(ctx, "1", "")
	assert.ErrorIs(t, err, shop.ErrUnknownShard)
	_, err = f.svc.Catalog.Get(ctx, "1", 1)
	assert.ErrorIs(t, err, shop.ErrUnknownShard)
	assert.True(t, shop.IsClientError(err))
}

func TestCatalog_Shards(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []shop.ShardID{"8", "7", "6"}, f.svc.Catalog.Shards())
	assert.True(t, f.svc.Catalog.HasShard("6"))
	assert.False(t, f.svc.Catalog.HasShard("5"))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, shop.IsClientError(shop.ErrItemUnavailable))
	assert.True(t, shop.IsClientError(&shop.InsufficientFundsError{Available: 1, Requested: 2}))
	assert.False(t, shop.IsClientError(shop.ErrSettlementUnreachable))
	assert.True(t, shop.IsCapabilityUnavailable(shop.ErrSettlementUnauthorized))
	assert.ErrorIs(t, &shop.StorageError{Op: "x", Err: assert.AnError}, assert.AnError)
	assert.ErrorIs(t, &shop.StorageError{Op: "x", Err: assert.AnError}, shop.ErrStorage)
}

func TestAllowList(t *testing.T) {
	list := shop.ParseAllowList("Alice_Admin, @bob_admin\ncarol_admin  ,,")

	assert.Equal(t, 3, list.Len())
	assert.Equal(t, []string{"alice_admin", "bob_admin", "carol_admin"}, list.Identities())
	assert.True(t, list.Allowed("@ALICE_ADMIN"))
	assert.NoError(t, list.Authorize(context.Background(), "bob_admin"))
	assert.ErrorIs(t, list.Authorize(context.Background(), "mallory"), shop.ErrForbidden)
	assert.False(t, shop.ParseAllowList("").Allowed(""))
}
