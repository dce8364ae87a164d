package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fangate/fangate/internal/adapter/inbound/httpapi"
	"github.com/fangate/fangate/internal/adapter/outbound/memory"
	"github.com/fangate/fangate/internal/adapter/outbound/prom"
	"github.com/fangate/fangate/internal/adapter/outbound/redisstore"
	"github.com/fangate/fangate/internal/adapter/outbound/sqlite"
	"github.com/fangate/fangate/internal/config"
	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
	"github.com/fangate/fangate/internal/service"
	"github.com/fangate/fangate/internal/telemetry"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the limiter service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if devMode {
			cfg.DevMode = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "run with in-memory stores (no Redis/SQLite)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.TraceStdout)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prom.NewMetrics(registry)

	limits := cfg.ThrottleLimits()
	tiers := throttle.StaticTierSource{Tier: cfg.Limits.DefaultTier}

	var (
		store      throttle.CounterStore
		scheduler  throttle.RetryScheduler
		violStore  violation.Store
		pinger     httpapi.Pinger
		closeInfra func()
	)

	if cfg.DevMode {
		logger.Warn("dev mode: quota state and violations are process-local")
		memStore := memory.NewCounterStore(memory.WithStoreLogger(logger))
		memStore.StartCleanup(ctx)
		store = memStore
		violStore = memory.NewViolationStore()
		closeInfra = memStore.Stop
	} else {
		opTimeout, _ := time.ParseDuration(cfg.Redis.OpTimeout)
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counterStore := redisstore.NewCounterStore(rdb,
			redisstore.WithOpTimeout(opTimeout),
			redisstore.WithLogger(logger),
		)
		if err := counterStore.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		store = counterStore
		pinger = counterStore

		maxDelay, _ := time.ParseDuration(cfg.Retry.MaxDelay)
		dedupe, _ := time.ParseDuration(cfg.Retry.DedupeWindow)
		scheduler = redisstore.NewRetryQueue(rdb,
			redisstore.WithMaxDelay(maxDelay),
			redisstore.WithDedupeWindow(dedupe),
			redisstore.WithQueueOpTimeout(opTimeout),
			redisstore.WithQueueLogger(logger),
		)

		violStore, err = sqlite.NewViolationStore(sqlite.Config{Path: cfg.Violations.SQLitePath}, logger)
		if err != nil {
			return err
		}
		closeInfra = func() { rdb.Close() }
	}

	recorder := service.NewViolationService(violStore, logger,
		service.WithViolationBuffer(cfg.Violations.Buffer),
		service.WithViolationBatchSize(cfg.Violations.BatchSize),
		service.WithDropHook(metrics.ViolationDropsTotal.Inc),
	)
	recorder.Start(ctx)

	limiter := service.NewLimiterService(store, scheduler, recorder, metrics, tiers, limits,
		service.WithLimiterLogger(logger))
	stats := service.NewStatsService(store, tiers, limits,
		service.WithStatsLogger(logger))

	apiOpts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.Addr),
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(registry),
		httpapi.WithViolationStore(violStore),
	}
	if pinger != nil {
		apiOpts = append(apiOpts, httpapi.WithPinger(pinger))
	}
	api := httpapi.NewServer(limiter, stats, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownTimeout, _ := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	limiter.Flush()
	recorder.Stop()
	if closeInfra != nil {
		closeInfra()
	}
	if err := violStore.Close(); err != nil {
		logger.Error("violation store close failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("trace shutdown failed", "error", err)
	}

	logger.Info("fangate stopped")
	return nil
}

// newLogger builds the process logger from server config.
func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
