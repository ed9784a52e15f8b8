package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/breaker"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/budget"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/cache"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/metrics"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/orchestrator"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/policy"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/dispatch/ratelimit"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/config"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/database"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/redis"
)

// serveCmd runs the HTTP service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"env":      cfg.Env,
		"provider": cfg.CloudProvider,
	}).Info("Starting caption dispatcher")

	var (
		db          *database.DB
		redisClient *redis.Client
		checks      []func(context.Context) error
	)

	// Initialize database
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		checks = append(checks, db.Ping)
		logger.Info("Connected to PostgreSQL")
	}

	// Initialize Redis
	store := cache.Store(cache.NewMemoryStore())
	if cfg.RedisURL != "" {
		var err error
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		store = cache.NewRedisStore(redisClient)
		checks = append(checks, redisClient.Ping)
		logger.Info("Connected to Redis, result cache is shared")
	}

	var src pricingSource
	if db != nil {
		src = db
	}
	pricing, err := assemblePricing(ctx, cfg, src, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinuteCap: cfg.MaxRequestsPerMinute,
		PerDayCap:    cfg.MaxRequestsPerDay,
	}, nil, logger)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerTimeout,
	}, nil, logger)
	governor := budget.NewGovernor(cfg.DailyBudgetUSD, pricing, nil, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry, orchestrator.MetricSources(limiter, brk, governor))

	remote, err := providers.NewManager(cfg, logger)
	if err != nil {
		return err
	}
	local := providers.NewLocalCaptioner(cfg)

	thresholds := policy.Thresholds{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		LatencyBudgetMs:     cfg.LatencyBudgetMs,
	}
	orch := orchestrator.New(orchestrator.Config{
		Thresholds:    thresholds,
		RemoteTimeout: cfg.RemoteTimeout,
		ProviderLabel: remote.GetProviderName(),
	}, orchestrator.Deps{
		Cache:    cache.New(store, logger),
		Limiter:  limiter,
		Breaker:  brk,
		Governor: governor,
		Metrics:  m,
		Logger:   logger,
	})

	dispatchCfg := handlers.DispatchConfig{
		Orchestrator:    orch,
		Remote:          remote,
		Local:           local,
		Window:          policy.NewLatencyWindow(cfg.LatencyWindowSize),
		LatencyBudgetMs: cfg.LatencyBudgetMs,
		ModelVersion:    cfg.LocalModelVersion,
		Logger:          logger,
	}
	if db != nil {
		dispatchCfg.Logs = db
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Dispatch:    handlers.NewDispatchHandler(dispatchCfg),
		Admin:       handlers.NewAdminHandler(orch, logger),
		Middleware:  handlers.NewMiddleware(cfg.AdminToken, logger),
		Gatherer:    registry,
		HTTPTimeout: cfg.RemoteTimeout + 30*time.Second,
		Health: func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for _, check := range checks {
				if err := check(hctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.RemoteTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
		return err
	}

	logger.Info("Server stopped")
	return nil
}
