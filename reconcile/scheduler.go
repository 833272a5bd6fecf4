package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner is the unit of work the scheduler fires. Satisfied by *Agent.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler fires the agent on a fixed cadence, plus once immediately on
// startup, plus on demand via TriggerNow. Stop drains in-flight work but
// never interrupts a running cycle.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	interval time.Duration
	log      *logrus.Entry

	// startupFire tracks the immediate first run, which is launched
	// outside cron and therefore not covered by cron.Stop's drain.
	startupFire sync.WaitGroup
}

func NewScheduler(runner Runner, interval time.Duration, loc *time.Location, log *logrus.Entry) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		runner:   runner,
		interval: interval,
		log:      log,
	}
}

// Start registers the recurring trigger and fires the first run
// immediately. The provided context gates triggering only: cancelling it
// stops new cycles from starting but never interrupts one already in
// flight, which is bounded by its own run deadline instead.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("reconcile: register schedule %q: %w", spec, err)
	}

	s.log.WithField("interval", s.interval.String()).Info("scheduler started")
	s.startupFire.Add(1)
	go func() {
		defer s.startupFire.Done()
		s.fire(ctx)
	}()
	s.cron.Start()
	return nil
}

// TriggerNow runs one cycle on demand, on the same code path as the
// scheduled trigger. Lock contention is a quiet no-op, not an error.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// Stop ceases new triggers and waits for any in-flight run, whether
// launched by cron or by the startup fire.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.startupFire.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) fire(trigger context.Context) {
	if trigger.Err() != nil {
		return
	}
	// Detach the run from the trigger context: a shutdown signal must
	// not cancel a cycle mid-batch and manufacture a failed run.
	if err := s.runner.Run(context.WithoutCancel(trigger)); err != nil {
		s.log.WithError(err).Error("scheduled reconciliation run failed")
	}
}
