package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"paysync/config"
	"paysync/db"
	"paysync/gateway"
	"paysync/lock"
	"paysync/metrics"
	"paysync/order"
	"paysync/reconcile"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation cycle and exit")
	flag.Parse()

	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("component", "reconciler")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	locks := lock.NewService(pool, logger.WithField("component", "lock"))
	orders := order.NewRepository(pool)
	recorder := metrics.NewRecorder(pool, logger.WithField("component", "metrics"))

	newFetcher := func(counters gateway.Counters) reconcile.StatusFetcher {
		breaker := gateway.NewBreaker(gateway.BreakerSettings{
			ErrorThreshold: cfg.BreakerErrorThreshold,
			MinSamples:     cfg.BreakerMinSamples,
			Cooldown:       cfg.BreakerCooldown,
		})
		return gateway.NewClient(gateway.ClientConfig{
			BaseURL:            cfg.GatewayBaseURL,
			APIKey:             cfg.GatewayAPIKey,
			APITimeout:         cfg.APITimeout,
			MaxRetries:         cfg.MaxRetries,
			RetryBaseDelay:     cfg.RetryBaseDelay,
			RetryBackoffFactor: cfg.RetryBackoffFactor,
		}, breaker, counters, logger.WithField("component", "gateway"))
	}

	agent := reconcile.NewAgent(cfg, locks, orders, newFetcher,
		&logFulfiller{log: logger.WithField("component", "fulfillment")}, recorder, log)

	if *once {
		if err := agent.Run(ctx); err != nil {
			log.WithError(err).Error("one-shot reconciliation failed")
			os.Exit(1)
		}
		return
	}

	scheduler := reconcile.NewScheduler(agent, cfg.ScheduleInterval, time.UTC,
		logger.WithField("component", "scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	scheduler.Stop()
}

// logFulfiller stands in for the downstream fulfillment system. The real
// trigger lives outside this worker; orders it reports here are also
// retryable out of band from the audit trail.
type logFulfiller struct {
	log *logrus.Entry
}

func (f *logFulfiller) Fulfill(ctx context.Context, orderID string) error {
	f.log.WithField("order_id", orderID).Info("fulfillment triggered")
	return nil
}
