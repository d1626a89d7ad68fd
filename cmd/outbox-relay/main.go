// Package main provides the outbox relay service entry point.
// Relays dashboard_outbox rows to Redpanda.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/config"
	"github.com/healthgest/go-maternity/internal/infrastructure/postgres"
	"github.com/healthgest/go-maternity/internal/infrastructure/redpanda"
	"github.com/healthgest/go-maternity/internal/observability/logging"
	"github.com/healthgest/go-maternity/internal/observability/metrics"
	"github.com/healthgest/go-maternity/internal/observability/tracing"
)

const (
	serviceName     = "outbox-relay"
	metricsAddr     = ":9091"
	cleanupInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(serviceName, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger init failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	// Make sure every topic the relay writes to exists
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	ectx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(ectx); err != nil {
		logger.Warn("topic bootstrap failed; relying on broker auto-create", zap.Error(err))
	}
	cancel()
	admin.Close()

	// Create Redpanda producer
	producer, err := redpanda.NewProducer(cfg.Producer(), m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	go serveMetrics(m, readiness(pool, producer), logger)

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outbox := postgres.NewOutbox(pool, producer, m, postgres.DefaultOutboxConfig(), logger)

	// Start processing
	outbox.Start()
	go cleanupLoop(ctx, outbox, logger)

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()
	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()
	if err := producer.Flush(fctx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// cleanupLoop deletes relayed rows past the retention window.
func cleanupLoop(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// serveMetrics exposes /metrics and a /ready probe backed by ready.
func serveMetrics(m *metrics.Metrics, ready func(ctx context.Context) error, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// readiness checks the database and the brokers.
func readiness(pool *pgxpool.Pool, producer *redpanda.Producer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := producer.Ping(ctx); err != nil {
			return fmt.Errorf("redpanda: %w", err)
		}
		return nil
	}
}
