package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"paysync/config"
	"paysync/gateway"
	"paysync/metrics"
	"paysync/order"
)

// Locker is the distributed mutual-exclusion primitive guarding runs
// across agent replicas.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context)
}

// OrderStore is the datastore surface the agent reconciles against.
type OrderStore interface {
	FetchPending(ctx context.Context, maxAge time.Duration, batchSize int) ([]order.Order, error)
	ApplyStatusUpdate(ctx context.Context, params order.StatusUpdateParams) (bool, error)
}

// StatusFetcher resolves the authoritative charge status. One instance
// is built per run so breaker state never leaks across cycles.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, chargeID string) (*gateway.ChargeStatus, error)
}

// Fulfiller is the downstream hook invoked when an order becomes paid.
// It is best-effort: failures are logged and recorded, never propagated.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID string) error
}

// MetricsSink persists one summary row per run, swallowing its own errors.
type MetricsSink interface {
	Persist(ctx context.Context, run *metrics.Run)
}

// FetcherFactory builds the per-run gateway client wired to the run's
// counters and a fresh circuit breaker.
type FetcherFactory func(counters gateway.Counters) StatusFetcher

// Agent repairs drift between local order state and the payment gateway.
// Webhook delivery is not guaranteed, so pending orders are periodically
// re-checked against the gateway and corrected when the gateway knows a
// terminal status the local row missed.
type Agent struct {
	cfg        config.Config
	locks      Locker
	orders     OrderStore
	newFetcher FetcherFactory
	fulfiller  Fulfiller
	sink       MetricsSink
	log        *logrus.Entry

	// running prevents overlapping runs within one process, saving a
	// pointless lock-acquisition round trip. Cross-process overlap is
	// handled by the distributed lock.
	running atomic.Bool
}

func NewAgent(cfg config.Config, locks Locker, orders OrderStore, newFetcher FetcherFactory, fulfiller Fulfiller, sink MetricsSink, log *logrus.Entry) *Agent {
	return &Agent{
		cfg:        cfg,
		locks:      locks,
		orders:     orders,
		newFetcher: newFetcher,
		fulfiller:  fulfiller,
		sink:       sink,
		log:        log,
	}
}

// Run executes one reconciliation cycle. Lock contention and in-process
// overlap are quiet no-op skips. Only a run-level fatal condition (the
// pending-order query itself failing) surfaces as an error, and only
// after the lock has been released and metrics persisted.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		a.log.Info("reconciliation already running in this process; skipping cycle")
		return nil
	}
	defer a.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	acquired, err := a.locks.Acquire(runCtx, a.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	if !acquired {
		a.log.Info("reconciliation lock held elsewhere; skipping cycle")
		return nil
	}

	run := metrics.NewRun()
	log := a.log.WithField("run_id", run.RunID)

	defer func() {
		// The run deadline may already be exceeded here; release and
		// metrics persistence get their own short grace window.
		exitCtx, exitCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer exitCancel()
		a.locks.Release(exitCtx)
		run.FinishedAt = time.Now().UTC()
		a.sink.Persist(exitCtx, run)
	}()

	if err := a.execute(runCtx, run, log); err != nil {
		run.Success = false
		run.RecordError(err.Error())
		log.WithError(err).Error("reconciliation run failed")
		return err
	}

	run.Success = true
	log.WithFields(logrus.Fields{
		"processed":  run.Processed,
		"updated":    run.Updated,
		"api_calls":  run.APICalls,
		"api_errors": run.APIErrors,
	}).Info("reconciliation run complete")
	return nil
}

func (a *Agent) execute(ctx context.Context, run *metrics.Run, log *logrus.Entry) error {
	orders, err := a.orders.FetchPending(ctx, a.cfg.PendingMinAge, a.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("reconcile: fetch pending orders: %w", err)
	}
	if len(orders) == 0 {
		log.Debug("no pending orders eligible for reconciliation")
		return nil
	}
	log.WithField("count", len(orders)).Info("reconciling pending orders")

	fetcher := a.newFetcher(run)

	for i, o := range orders {
		if i > 0 {
			if err := sleepCtx(ctx, a.cfg.Throttle); err != nil {
				// Run deadline hit mid-batch; remaining orders wait for
				// the next cycle.
				log.WithError(err).Warn("run deadline reached; stopping batch early")
				return nil
			}
		}
		a.reconcileOrder(ctx, fetcher, run, o, log)
	}
	return nil
}

// reconcileOrder resolves one order. Every failure here is order-local:
// it is logged, optionally recorded in the run's error list, and never
// aborts the batch.
func (a *Agent) reconcileOrder(ctx context.Context, fetcher StatusFetcher, run *metrics.Run, o order.Order, log *logrus.Entry) {
	run.IncProcessed()
	olog := log.WithField("order_id", o.ID)

	if o.Charge == nil {
		olog.Warn("order has no gateway charge; nothing to reconcile")
		run.RecordError(fmt.Sprintf("order %s: no associated charge", o.ID))
		return
	}

	status, err := fetcher.FetchStatus(ctx, o.Charge.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrCircuitOpen) {
			olog.Warn("gateway circuit open; status unknown this cycle")
		} else {
			olog.WithError(err).Warn("gateway status unavailable; order left for next cycle")
		}
		return
	}

	newStatus := localStatus(status.Status)
	if status.Status == gateway.ChargePending || newStatus == o.Status {
		// Already consistent. Reconciling a consistent order is a no-op.
		return
	}
	if o.Status.Terminal() {
		// Terminal local state is never overwritten, whatever the
		// gateway reports.
		return
	}

	updated, err := a.orders.ApplyStatusUpdate(ctx, order.StatusUpdateParams{
		OrderID:        o.ID,
		ObservedStatus: o.Status,
		NewStatus:      newStatus,
		RunID:          run.RunID,
		ChargeID:       o.Charge.ID,
	})
	if err != nil {
		olog.WithError(err).Error("status update failed")
		run.RecordError(fmt.Sprintf("order %s: update: %v", o.ID, err))
		return
	}
	if !updated {
		// A concurrent writer (the webhook path) corrected the order
		// first. Benign.
		olog.Info("order changed concurrently; skipping")
		return
	}

	run.IncUpdated()
	olog.WithFields(logrus.Fields{"from": o.Status, "to": newStatus}).Info("order status corrected")

	if newStatus == order.StatusPaid {
		if err := a.fulfiller.Fulfill(ctx, o.ID); err != nil {
			// Fulfillment is retryable out of band; the status write stands.
			olog.WithError(err).Warn("fulfillment trigger failed")
			run.RecordError(fmt.Sprintf("order %s: fulfillment: %v", o.ID, err))
		}
	}
}

// localStatus maps a gateway charge status onto the local order enum.
// The gateway distinguishes failed charges; locally a failed charge
// means the order will never be paid, which is a cancellation.
func localStatus(gw string) order.Status {
	switch gw {
	case gateway.ChargePaid:
		return order.StatusPaid
	case gateway.ChargeExpired:
		return order.StatusExpired
	case gateway.ChargeCancelled, gateway.ChargeFailed:
		return order.StatusCancelled
	default:
		return order.StatusPending
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
