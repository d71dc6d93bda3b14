/*
poller.go - Pending top-up poller

PURPOSE:
  Periodically re-checks pending payment intents so a payer who never comes
  back to press "check" is still credited once the marketplace settles.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each tick calls shop.Reconciler.CheckPending, which only looks at
    intents still inside their validity window
  - Outcomes feed the reconciliation counters in metrics.go

USAGE:
  poller := NewPendingPoller(svc.Reconciler, metrics)
  poller.Start()
  // ... later
  poller.Stop()

SEE ALSO:
  - shop/reconcile.go: CheckPending
  - handlers.go: RecheckPending (manual trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
	"github.com/warp/storefront/shop"
)

// PendingChecker is the part of shop.Reconciler the poller uses.
type PendingChecker interface {
	CheckPending(ctx context.Context, workers, limit int) (shop.PendingReport, error)
}

// PendingPoller re-checks pending intents on a timer.
type PendingPoller struct {
	Checker   PendingChecker
	Metrics   *Metrics
	Interval  time.Duration
	Workers   int
	BatchSize int
	Enabled   bool

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPendingPoller creates a poller with a one minute interval.
func NewPendingPoller(checker PendingChecker, metrics *Metrics) *PendingPoller {
	return &PendingPoller{
		Checker:   checker,
		Metrics:   metrics,
		Interval:  time.Minute,
		Workers:   4,
		BatchSize: 100,
		Enabled:   true,
	}
}

// Start begins polling. It is a no-op when disabled or already running.
func (p *PendingPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.Enabled {
		logger.Info("pending poller disabled, not starting")
		return
	}
	if p.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.ticker = time.NewTicker(p.Interval)
	p.wg.Add(1)

	go p.run(ctx, p.ticker)

	logger.Info("pending poller started", zap.Duration("interval", p.Interval))
}

// Stop stops polling and waits for an in-flight run to finish.
func (p *PendingPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	p.cancel()
	p.wg.Wait()
	p.ticker = nil
	logger.Info("pending poller stopped")
}

func (p *PendingPoller) run(ctx context.Context, ticker *time.Ticker) {
	defer p.wg.Done()

	// Run immediately on start
	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single pass.
func (p *PendingPoller) RunOnce(ctx context.Context) shop.PendingReport {
	report, err := p.Checker.CheckPending(ctx, p.Workers, p.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorCtx(ctx, err, zap.String("component", "pending_poller"))
		}
		return report
	}
	if p.Metrics != nil {
		for outcome, n := range report.Outcomes {
			p.Metrics.observeCheck(outcome, n)
		}
	}
	if report.Checked > 0 {
		logger.InfoCtx(ctx, "pending intents re-checked",
			zap.Int("checked", report.Checked),
			zap.Int("settled", report.Outcomes[shop.OutcomeSettled]),
			zap.Int("unavailable", report.Outcomes[shop.OutcomeUnavailable]),
		)
	}
	return report
}
