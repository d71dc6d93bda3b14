package api_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront/api"
	"github.com/warp/storefront/shop"
)

type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) CheckPending(ctx context.Context, workers, limit int) (shop.PendingReport, error) {
	c.calls.Add(1)
	return shop.PendingReport{Checked: 2, Outcomes: map[shop.Outcome]int{
		shop.OutcomeSettled: 1,
		shop.OutcomePending: 1,
	}}, nil
}

func TestPendingPoller_StartStop(t *testing.T) {
	// GIVEN: a poller with a short interval
	checker := &countingChecker{}
	reg := prometheus.NewRegistry()
	poller := api.NewPendingPoller(checker, api.NewMetrics(reg))
	poller.Interval = 10 * time.Millisecond

	// WHEN: it runs for a while
	poller.Start()
	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	poller.Stop()

	// THEN: it stops ticking and outcomes were counted
	stopped := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, checker.calls.Load())

	n, err := testutil.GatherAndCount(reg, "storefront_reconciliations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")

	poller.Stop()
}

func TestPendingPoller_Disabled(t *testing.T) {
	checker := &countingChecker{}
	poller := api.NewPendingPoller(checker, nil)
	poller.Enabled = false

	poller.Start()
	poller.Stop()

	assert.Zero(t, checker.calls.Load())
}

func TestPendingPoller_RunOnceAgainstService(t *testing.T) {
	env := newTestEnv(t)
	topUp, err := env.svc.TopUp(context.Background(), 11, 700)
	require.NoError(t, err)
	env.settle(topUp.Intent.Code, "op-5", 700)

	report := api.NewPendingPoller(env.svc.Reconciler, nil).RunOnce(context.Background())

	assert.Equal(t, 1, report.Outcomes[shop.OutcomeSettled])
	balance, err := env.svc.Balance(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)
}
