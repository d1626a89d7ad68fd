// Package main provides the snapshot worker entry point.
// Consumes dashboard refresh requests and publishes built dashboards.
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

	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/backend"
	"github.com/healthgest/go-maternity/internal/config"
	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/infrastructure/redpanda"
	"github.com/healthgest/go-maternity/internal/observability/logging"
	"github.com/healthgest/go-maternity/internal/observability/metrics"
	"github.com/healthgest/go-maternity/internal/observability/tracing"
	"github.com/healthgest/go-maternity/internal/snapshot"
	"github.com/healthgest/go-maternity/pkg/circuitbreaker"
	"github.com/healthgest/go-maternity/pkg/idempotency"
)

const (
	serviceName     = "snapshot-worker"
	metricsAddr     = ":9092"
	lagPollInterval = 30 * time.Second
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

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	// Create circuit breaker manager and backend client
	breakers := circuitbreaker.NewManager(cfg.Breaker(), m.BreakerStateChanged, logger)
	client, err := backend.New(cfg.Backend(), breakers, logger, backend.WithObserver(m))
	if err != nil {
		logger.Fatal("backend client init failed", zap.Error(err))
	}

	svc, err := dashboard.NewService(dashboard.ServiceConfig{
		Cohorts:    cfg.Cohorts(),
		Thresholds: cfg.Thresholds(),
		Backend:    client,
		Observer:   m,
	}, logger)
	if err != nil {
		logger.Fatal("dashboard service init failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producer, err := redpanda.NewProducer(cfg.Producer(), m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	go serveMetrics(m, readiness(pool, producer), logger)

	events := audit.NewRepository(pool, redpanda.TopicDashboardEvents, nil, logger)

	// Create worker pool backed processor
	procCfg := snapshot.DefaultConfig()
	procCfg.Pool.Workers = cfg.SnapshotWorkers
	processor, err := snapshot.NewProcessor(procCfg, svc, inbox, producer, events, m, logger)
	if err != nil {
		logger.Fatal("snapshot processor creation failed", zap.Error(err))
	}
	processor.Start()

	// Create consumer
	consumer, err := redpanda.NewConsumer(cfg.Consumer(), processor.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	go lagLoop(ctx, admin, cfg.SnapshotGroupID, m, logger)

	logger.Info("snapshot worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Int("workers", cfg.SnapshotWorkers))

	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	processor.Stop()
	logger.Info("snapshot worker stopped", zap.Any("stats", processor.Stats()))
}

// lagLoop exports the consumer group lag until ctx is done.
func lagLoop(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag poll failed", zap.Error(err))
				continue
			}
			m.GroupLag(lag)
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
