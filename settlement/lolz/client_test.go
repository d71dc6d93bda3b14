package lolz_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/settlement/lolz"
	"github.com/warp/storefront/shop"
	"github.com/warp/storefront/shop/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// marketplace is a fake payments API answering with a fixed status and body.
type marketplace struct {
	*httptest.Server
	calls    atomic.Int32
	lastAuth atomic.Value
	lastURL  atomic.Value
}

func newMarketplace(t *testing.T, handler func(n int32, w http.ResponseWriter)) *marketplace {
	t.Helper()
	m := &marketplace{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := m.calls.Add(1)
		m.lastAuth.Store(r.Header.Get("Authorization"))
		m.lastURL.Store(r.URL.String())
		handler(n, w)
	}))
	t.Cleanup(m.Close)
	return m
}

func reply(status int, body string) func(int32, http.ResponseWriter) {
	return func(_ int32, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newService(t *testing.T, lookup shop.SettlementLookup) *shop.Service {
	t.Helper()
	return shop.NewService(shop.Config{
		Store:      store.NewMemory("8"),
		Settlement: lookup,
		PayLinks:   lolz.NewPayLinks("", "shop_owner", ""),
	})
}

func newClient(apiURL string) *lolz.Client {
	return lolz.New(lolz.Config{
		APIURL:          apiURL,
		Token:           "secret",
		Timeout:         time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  100 * time.Millisecond,
	})
}

// =============================================================================
// PAYLOAD MAPPING
// =============================================================================

func TestFindTransfers_MapsPayments(t *testing.T) {
	// GIVEN: one received transfer and one outgoing transfer for the code
	m := newMarketplace(t, reply(http.StatusOK, `{
		"payments": {
			"201": {"operation_id": 201, "payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "500.00", "sum": "510"},
			"202": {"operation_id": "op-202", "payment_status": "success_out", "operation_type": "sending_money", "sum": 75}
		}
	}`))

	// WHEN
	transfers, err := newClient(m.URL).FindTransfers(context.Background(), "12345678901234")

	// THEN
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	in := transfers[0]
	assert.Equal(t, "201", in.SettlementID)
	assert.True(t, in.SettledIncoming())
	assert.True(t, in.Amount.Equal(decimal.NewFromInt(500)), "incoming_sum wins over sum")
	assert.Contains(t, string(in.Raw), `"operation_id": 201`)

	out := transfers[1]
	assert.Equal(t, "op-202", out.SettlementID)
	assert.Equal(t, shop.TransferOther, out.Status)
	assert.Equal(t, shop.DirectionOutgoing, out.Direction)
	assert.True(t, out.Amount.Equal(decimal.NewFromInt(75)))

	assert.Equal(t, "Bearer secret", m.lastAuth.Load())
	u, err := url.Parse(m.lastURL.Load().(string))
	require.NoError(t, err)
	assert.Equal(t, "/user/payments", u.Path)
	assert.Equal(t, "12345678901234", u.Query().Get("comment"))
}

func TestFindTransfers_AmountFallbackAndSkips(t *testing.T) {
	m := newMarketplace(t, reply(http.StatusOK, `{
		"payments": {
			"a": {"payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "", "sum": "450"},
			"b": {"payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "lots", "sum": "500"},
			"c": {"payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "4.99"},
			"d": {"payment_status": "success_in", "operation_type": "receiving_money"},
			"e": {"payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": 0, "sum": 300}
		}
	}`))

	transfers, err := newClient(m.URL).FindTransfers(context.Background(), "code")

	require.NoError(t, err)
	require.Len(t, transfers, 4, "a malformed incoming_sum drops the entry instead of falling back to sum")
	assert.Equal(t, "a", transfers[0].SettlementID, "map key stands in for a missing operation id")
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(450)))
	assert.Equal(t, "4.99", transfers[1].Amount.String())
	assert.Equal(t, "d", transfers[2].SettlementID)
	assert.True(t, transfers[2].Amount.IsZero(), "no amount at all reads as zero")
	assert.Equal(t, "e", transfers[3].SettlementID)
	assert.True(t, transfers[3].Amount.Equal(decimal.NewFromInt(300)), "numeric zero falls back to sum")
}

func TestFindTransfers_EmptyPayments(t *testing.T) {
	for name, body := range map[string]string{
		"object":  `{"payments": {}}`,
		"array":   `{"payments": []}`,
		"missing": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			m := newMarketplace(t, reply(http.StatusOK, body))

			transfers, err := newClient(m.URL).FindTransfers(context.Background(), "code")

			require.NoError(t, err)
			assert.NotNil(t, transfers)
			assert.Empty(t, transfers)
		})
	}
}

// =============================================================================
// FAILURES
// =============================================================================

func TestFindTransfers_UnauthorizedIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		m := newMarketplace(t, reply(status, `{"error": "invalid token"}`))

		_, err := newClient(m.URL).FindTransfers(context.Background(), "code")

		assert.ErrorIs(t, err, shop.ErrSettlementUnauthorized)
		assert.ErrorIs(t, err, shop.ErrCapabilityUnavailable)
		assert.NotErrorIs(t, err, shop.ErrSettlementUnreachable)
		assert.Equal(t, int32(1), m.calls.Load())
	}
}

func TestFindTransfers_RetriesRateLimit(t *testing.T) {
	// GIVEN: the first two calls are rate limited
	m := newMarketplace(t, func(n int32, w http.ResponseWriter) {
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"payments": {"1": {"payment_status": "success_in", "operation_type": "receiving_money", "sum": "500"}}}`))
	})

	// WHEN
	transfers, err := newClient(m.URL).FindTransfers(context.Background(), "code")

	// THEN: the third call succeeds
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
	assert.Equal(t, int32(3), m.calls.Load())
}

func TestFindTransfers_ServerErrorsBecomeUnreachable(t *testing.T) {
	m := newMarketplace(t, reply(http.StatusBadGateway, `oops`))

	_, err := newClient(m.URL).FindTransfers(context.Background(), "code")

	assert.ErrorIs(t, err, shop.ErrSettlementUnreachable)
	assert.Greater(t, m.calls.Load(), int32(1))
}

func TestFindTransfers_OtherFailuresBecomeUnreachable(t *testing.T) {
	t.Run("bad request", func(t *testing.T) {
		m := newMarketplace(t, reply(http.StatusBadRequest, `{}`))
		_, err := newClient(m.URL).FindTransfers(context.Background(), "code")
		assert.ErrorIs(t, err, shop.ErrSettlementUnreachable)
		assert.Equal(t, int32(1), m.calls.Load())
	})

	t.Run("undecodable body", func(t *testing.T) {
		m := newMarketplace(t, reply(http.StatusOK, `<html>`))
		_, err := newClient(m.URL).FindTransfers(context.Background(), "code")
		assert.ErrorIs(t, err, shop.ErrSettlementUnreachable)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		_, err := newClient(addr).FindTransfers(context.Background(), "code")
		assert.ErrorIs(t, err, shop.ErrSettlementUnreachable)
		assert.True(t, shop.IsCapabilityUnavailable(err))
	})
}

// =============================================================================
// RECONCILIATION THROUGH THE CLIENT
// =============================================================================

func TestClient_DrivesReconciliation(t *testing.T) {
	// GIVEN: a service whose settlement lookup is the fake marketplace
	m := newMarketplace(t, func(_ int32, w http.ResponseWriter) {
		w.Write([]byte(`{"payments": {"9": {"operation_id": 9, "payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "500"}}}`))
	})

	svc := newService(t, newClient(m.URL))
	ctx := context.Background()
	topUp, err := svc.TopUp(ctx, 1, 500)
	require.NoError(t, err)

	// WHEN
	res := svc.CheckTopUp(ctx, topUp.Intent.Code)

	// THEN
	assert.Equal(t, shop.OutcomeSettled, res.Outcome)
	assert.Equal(t, "9", res.SettlementID)
	balance, _ := svc.Balance(ctx, 1)
	assert.Equal(t, int64(500), balance)
	assert.Contains(t, topUp.PayURL, "comment="+topUp.Intent.Code)
}

func TestClient_MalformedIncomingSumNeverSettles(t *testing.T) {
	// GIVEN: a received transfer whose incoming_sum is garbage but whose sum matches
	m := newMarketplace(t, reply(http.StatusOK,
		`{"payments": {"3": {"operation_id": 3, "payment_status": "success_in", "operation_type": "receiving_money", "incoming_sum": "abc", "sum": "500"}}}`))
	svc := newService(t, newClient(m.URL))
	ctx := context.Background()
	topUp, err := svc.TopUp(ctx, 1, 500)
	require.NoError(t, err)

	// WHEN
	res := svc.CheckTopUp(ctx, topUp.Intent.Code)

	// THEN: nothing is credited
	assert.Equal(t, shop.OutcomePending, res.Outcome)
	balance, _ := svc.Balance(ctx, 1)
	assert.Equal(t, int64(0), balance)
}

func TestClient_MissingAmountReportsMismatch(t *testing.T) {
	// GIVEN: a received transfer that carries no amount
	m := newMarketplace(t, reply(http.StatusOK,
		`{"payments": {"4": {"operation_id": 4, "payment_status": "success_in", "operation_type": "receiving_money"}}}`))
	svc := newService(t, newClient(m.URL))
	ctx := context.Background()
	topUp, err := svc.TopUp(ctx, 1, 500)
	require.NoError(t, err)

	// WHEN
	res := svc.CheckTopUp(ctx, topUp.Intent.Code)

	// THEN: reported as a mismatch with zero received
	assert.Equal(t, shop.OutcomeAmountMismatch, res.Outcome)
	assert.True(t, res.Received.IsZero())
	balance, _ := svc.Balance(ctx, 1)
	assert.Equal(t, int64(0), balance)
}
