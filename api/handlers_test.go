/*
handlers_test.go - HTTP tests for the storefront API

Tests for:
- User flow: register, grant, browse, purchase, history
- Purchase outcomes mapped onto status codes
- Top-up creation and reconciliation through the API
- Admin routes: actor header, allow-list, audit trail
- Metrics endpoint
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/api"
	"github.com/warp/storefront/shop"
	"github.com/warp/storefront/shop/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const admin = "shop_owner"

type testEnv struct {
	t     *testing.T
	srv   *httptest.Server
	svc   *shop.Service
	clock *shop.ManualClock

	mu        sync.Mutex
	transfers map[string][]shop.Transfer
	lookupErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		clock:     shop.NewManualClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)),
		transfers: make(map[string][]shop.Transfer),
	}
	env.svc = shop.NewService(shop.Config{
		Store:      store.NewMemory("8", "7", "6"),
		Settlement: shop.SettlementFunc(env.lookup),
		PayLinks:   staticLinks{},
		Authorizer: shop.NewAllowList(admin),
		Clock:      env.clock,
	})
	h := api.NewHandler(env.svc, api.NewMetrics(prometheus.NewRegistry()))
	env.srv = httptest.NewServer(api.NewRouter(h, nil))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) lookup(_ context.Context, code string) ([]shop.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lookupErr != nil {
		return nil, e.lookupErr
	}
	return e.transfers[code], nil
}

func (e *testEnv) settle(code, id string, amount int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transfers[code] = append(e.transfers[code], shop.Transfer{
		SettlementID: id,
		Status:       shop.TransferReceived,
		Direction:    shop.DirectionIncoming,
		Amount:       decimal.NewFromInt(amount),
	})
}

func (e *testEnv) failLookup(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookupErr = err
}

// do sends a request and decodes the JSON reply into out when out is non-nil.
func (e *testEnv) do(method, path, actor string, body any, out any) int {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seedItem adds an item through the admin API and returns its id.
func (e *testEnv) seedItem(shard, title string, price int64) int64 {
	e.t.Helper()
	var item api.ItemDTO
	status := e.do("POST", "/api/admin/shards/"+shard+"/items", admin, api.NewItemRequest{
		Title:       title,
		Credentials: "login:" + title,
		Price:       price,
	}, &item)
	require.Equal(e.t, http.StatusCreated, status)
	return item.ID
}

// fund registers user id with identity and grants amount.
func (e *testEnv) fund(id, identity string, amount int64) {
	e.t.Helper()
	require.Equal(e.t, http.StatusOK, e.do("POST", "/api/users/"+id, "", api.EnsureUserRequest{Identity: identity}, nil))
	require.Equal(e.t, http.StatusOK, e.do("POST", "/api/admin/balance/grant", admin,
		api.BalanceAdjustmentRequest{Identity: identity, Amount: amount}, nil))
}

type staticLinks struct{}

func (staticLinks) PayURL(intent shop.PaymentIntent) string {
	return "https://pay.example/transfer?comment=" + intent.Code
}

// =============================================================================
// USER FLOW
// =============================================================================

func TestPurchaseFlow(t *testing.T) {
	// GIVEN: a funded user and one item in shard 8
	env := newTestEnv(t)
	env.fund("42", "buyer_one", 1000)
	itemID := env.seedItem("8", "steam-lvl-80", 600)

	// WHEN: the user browses and buys it
	var page api.ItemPageDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/shards/8/items", "", nil, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)

	var bought api.PurchaseDTO
	status := env.do("POST", "/api/users/42/purchases", "", api.PurchaseRequest{Shard: "8", ItemID: itemID}, &bought)

	// THEN: credentials are handed over once and the balance drops
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", bought.Status)
	assert.Equal(t, "login:steam-lvl-80", bought.Credentials)
	assert.Equal(t, int64(400), bought.Balance)

	var again api.PurchaseDTO
	status = env.do("POST", "/api/users/42/purchases", "", api.PurchaseRequest{Shard: "8", ItemID: itemID}, &again)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_available", again.Status)
	assert.Empty(t, again.Credentials)

	var balance api.BalanceDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/users/42/balance", "", nil, &balance))
	assert.Equal(t, int64(400), balance.Balance)

	var sales []api.SaleDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/users/42/sales", "", nil, &sales))
	require.Len(t, sales, 1)
	assert.Equal(t, itemID, sales[0].ItemID)

	require.Equal(t, http.StatusOK, env.do("GET", "/api/shards/8/items", "", nil, &page))
	assert.Empty(t, page.Items)
}

func TestPurchase_Insufficient(t *testing.T) {
	env := newTestEnv(t)
	env.fund("7", "poor_buyer", 100)
	itemID := env.seedItem("7", "pricey", 500)

	var res api.PurchaseDTO
	status := env.do("POST", "/api/users/7/purchases", "", api.PurchaseRequest{Shard: "7", ItemID: itemID}, &res)

	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient", res.Status)
	assert.Equal(t, int64(100), res.Balance)
}

func TestBadInput(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do("POST", "/api/users/1/purchases", "", api.PurchaseRequest{Shard: "99", ItemID: 1}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/api/shards/99/items", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/api/users/abc/balance", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("POST", "/api/users/1/topups", "", api.TopUpRequest{Amount: 0}, nil))
	assert.Equal(t, http.StatusNotFound, env.do("GET", "/api/shards/8/items/5", "", nil, nil))
}

func TestItemDetailHidesCredentials(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedItem("6", "hidden", 10)

	req, _ := http.NewRequest("GET", env.srv.URL+"/api/shards/6/items/"+itoa(id), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"title":"hidden"`)
	assert.NotContains(t, string(body), "login:hidden")
}

// =============================================================================
// TOP-UPS
// =============================================================================

func TestTopUpFlow(t *testing.T) {
	// GIVEN: a new top-up intent
	env := newTestEnv(t)
	var topUp api.TopUpDTO
	require.Equal(t, http.StatusCreated, env.do("POST", "/api/users/5/topups", "", api.TopUpRequest{Amount: 500}, &topUp))
	code := topUp.Intent.Code
	assert.Len(t, code, 14)
	assert.Equal(t, "pending", topUp.Intent.Status)
	assert.Contains(t, topUp.PayURL, code)

	// WHEN: checked before anything settled
	var check api.CheckDTO
	require.Equal(t, http.StatusOK, env.do("POST", "/api/topups/"+code+"/check", "", nil, &check))
	assert.Equal(t, "pending", check.Outcome)

	// WHEN: the marketplace reports the transfer
	env.settle(code, "op-77", 500)
	require.Equal(t, http.StatusOK, env.do("POST", "/api/topups/"+code+"/check", "", nil, &check))

	// THEN: credited once
	assert.Equal(t, "settled", check.Outcome)
	assert.Equal(t, "op-77", check.SettlementID)
	assert.Equal(t, int64(500), check.Balance)

	require.Equal(t, http.StatusOK, env.do("POST", "/api/topups/"+code+"/check", "", nil, &check))
	assert.Equal(t, "already_settled", check.Outcome)

	var balance api.BalanceDTO
	env.do("GET", "/api/users/5/balance", "", nil, &balance)
	assert.Equal(t, int64(500), balance.Balance)

	var intent api.IntentDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/topups/"+code, "", nil, &intent))
	assert.Equal(t, "success", intent.Status)
	assert.Equal(t, "op-77", intent.SettlementID)
}

func TestTopUpCheck_MismatchAndUnavailable(t *testing.T) {
	env := newTestEnv(t)
	var topUp api.TopUpDTO
	env.do("POST", "/api/users/5/topups", "", api.TopUpRequest{Amount: 500}, &topUp)
	code := topUp.Intent.Code

	env.failLookup(shop.ErrSettlementUnauthorized)
	var check api.CheckDTO
	assert.Equal(t, http.StatusServiceUnavailable, env.do("POST", "/api/topups/"+code+"/check", "", nil, &check))
	assert.Equal(t, "unavailable", check.Outcome)

	env.failLookup(nil)
	env.settle(code, "op-1", 450)
	assert.Equal(t, http.StatusOK, env.do("POST", "/api/topups/"+code+"/check", "", nil, &check))
	assert.Equal(t, "amount_mismatch", check.Outcome)
	assert.Equal(t, "500", check.Expected)
	assert.Equal(t, "450", check.Received)
	assert.Equal(t, int64(0), check.Balance)

	assert.Equal(t, http.StatusNotFound, env.do("POST", "/api/topups/00000000000000/check", "", nil, nil))
}

func TestTopUp_ExpiredIntent(t *testing.T) {
	env := newTestEnv(t)
	var topUp api.TopUpDTO
	env.do("POST", "/api/users/5/topups", "", api.TopUpRequest{Amount: 300}, &topUp)

	env.clock.Advance(2 * time.Hour)

	var intent api.IntentDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/topups/"+topUp.Intent.Code, "", nil, &intent))
	assert.True(t, intent.Expired)
	var check api.CheckDTO
	env.do("POST", "/api/topups/"+topUp.Intent.Code+"/check", "", nil, &check)
	assert.Equal(t, "expired", check.Outcome)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresAuthorizedActor(t *testing.T) {
	env := newTestEnv(t)
	req := api.NewItemRequest{Title: "x", Credentials: "y", Price: 1}

	assert.Equal(t, http.StatusUnauthorized, env.do("POST", "/api/admin/shards/8/items", "", req, nil))
	assert.Equal(t, http.StatusForbidden, env.do("POST", "/api/admin/shards/8/items", "random_user", req, nil))
	assert.Equal(t, http.StatusForbidden, env.do("GET", "/api/admin/stats", "random_user", nil, nil))
	assert.Equal(t, http.StatusCreated, env.do("POST", "/api/admin/shards/8/items", "@Shop_Owner", req, nil))
}

func TestAdmin_ItemLifecycleIsAudited(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedItem("8", "editable", 100)
	path := "/api/admin/shards/8/items/" + itoa(id)

	var item api.ItemDTO
	require.Equal(t, http.StatusOK, env.do("PUT", path+"/description", admin, api.DescriptionRequest{Description: "fresh"}, &item))
	assert.Equal(t, "fresh", item.Description)

	assert.Equal(t, http.StatusNoContent, env.do("DELETE", path, admin, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do("DELETE", path, admin, nil, nil))

	var entries []api.AuditEntryDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/admin/audit", admin, nil, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, string(shop.AuditItemDeleted), entries[0].Action)
	assert.Equal(t, string(shop.AuditDescriptionEdited), entries[1].Action)
	assert.Equal(t, string(shop.AuditItemAdded), entries[2].Action)

	require.Equal(t, http.StatusOK, env.do("GET", "/api/admin/audit?action=item_deleted", admin, nil, &entries))
	assert.Len(t, entries, 1)
}

func TestAdmin_RevokeClampsAtZero(t *testing.T) {
	env := newTestEnv(t)
	env.fund("9", "target_user", 300)

	var res api.BalanceAdjustmentDTO
	require.Equal(t, http.StatusOK, env.do("POST", "/api/admin/balance/revoke", admin,
		api.BalanceAdjustmentRequest{Identity: "target_user", Amount: 500}, &res))

	assert.Equal(t, int64(0), res.Account.Balance)
	assert.Equal(t, int64(-300), res.Applied)

	assert.Equal(t, http.StatusNotFound, env.do("POST", "/api/admin/balance/grant", admin,
		api.BalanceAdjustmentRequest{Identity: "nobody_here", Amount: 5}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("POST", "/api/admin/balance/grant", admin,
		api.BalanceAdjustmentRequest{Identity: "bad id!", Amount: 5}, nil))
}

func TestAdmin_StatsAndRecheck(t *testing.T) {
	env := newTestEnv(t)
	env.fund("1", "first_user", 10)
	env.fund("2", "second_user", 10)

	var stats api.StatsDTO
	require.Equal(t, http.StatusOK, env.do("GET", "/api/admin/stats", admin, nil, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.LastWeek)
	assert.Equal(t, 2, stats.ThisMonth)

	var topUp api.TopUpDTO
	env.do("POST", "/api/users/1/topups", "", api.TopUpRequest{Amount: 250}, &topUp)
	env.settle(topUp.Intent.Code, "op-9", 250)

	var report api.PendingReportDTO
	require.Equal(t, http.StatusOK, env.do("POST", "/api/admin/topups/recheck", admin, nil, &report))
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Outcomes["settled"])

	var balance api.BalanceDTO
	env.do("GET", "/api/users/1/balance", "", nil, &balance)
	assert.Equal(t, int64(260), balance.Balance)
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fund("3", "metric_user", 1)
	id := env.seedItem("8", "m", 1)
	env.do("POST", "/api/users/3/purchases", "", api.PurchaseRequest{Shard: "8", ItemID: id}, nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `storefront_purchases_total{status="ok"} 1`)
	assert.Contains(t, string(body), `storefront_http_requests_total{method="POST",route="/api/users/{userID}/purchases",status="200"} 1`)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
