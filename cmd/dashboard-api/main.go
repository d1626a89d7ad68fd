// Package main provides the dashboard API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/api/handlers"
	"github.com/healthgest/go-maternity/internal/api/middleware"
	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/backend"
	"github.com/healthgest/go-maternity/internal/config"
	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/infrastructure/redpanda"
	"github.com/healthgest/go-maternity/internal/observability/logging"
	"github.com/healthgest/go-maternity/internal/observability/metrics"
	"github.com/healthgest/go-maternity/internal/observability/tracing"
	"github.com/healthgest/go-maternity/pkg/circuitbreaker"
)

const serviceName = "dashboard-api"

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
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New(nil)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	breakers := circuitbreaker.NewManager(cfg.Breaker(), m.BreakerStateChanged, logger)
	client, err := backend.New(cfg.Backend(), breakers, logger, backend.WithObserver(m))
	if err != nil {
		logger.Fatal("backend client init failed", zap.Error(err))
	}

	auditRepo := audit.NewRepository(pool, redpanda.TopicDashboardEvents, middleware.GetRequestID, logger)

	svc, err := dashboard.NewService(dashboard.ServiceConfig{
		Cohorts:      cfg.Cohorts(),
		Thresholds:   cfg.Thresholds(),
		InsightDelay: cfg.InsightDelay,
		Backend:      client,
		Insights:     client,
		Summary:      client,
		Speaker:      client,
		Audit:        auditRepo,
		Observer:     m,
	}, logger)
	if err != nil {
		logger.Fatal("dashboard service init failed", zap.Error(err))
	}

	store := dashboard.NewSessionStore(svc, cfg.SessionIdleTTL, logger)
	go store.Run(ctx, cfg.SessionSweepInterval)

	dashboardHandler := handlers.NewDashboardHandler(svc, store, auditRepo, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler(client))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		} else {
			logger.Warn("API_KEYS is empty; the API is unauthenticated")
		}
		r.Mount("/", dashboardHandler.Routes())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Dashboard builds wait on the backend, which can cold-start.
		WriteTimeout: cfg.BackendTimeout*2 + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting dashboard API",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.BackendURL))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(client *backend.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"version":  "1.0.0",
			"breakers": client.Breakers(),
		})
	}
}
