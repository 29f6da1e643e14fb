// Command worker runs the dispatcher pool that executes queued work orders.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/equipment"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/queue/redisstream"
	"github.com/fairyhunter13/agent-scheduler/internal/app"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/internal/qa"
	"github.com/fairyhunter13/agent-scheduler/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, backend, err := app.SelectStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	queue, err := redisstream.NewQueue(ctx, rdb)
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	bus := redisstream.NewEventBus(rdb)

	tiers, err := config.LoadTierTable(cfg.TierTablePath)
	if err != nil {
		slog.Error("tier table load failed", slog.Any("error", err))
		os.Exit(1)
	}
	ladder, err := cfg.Ladder()
	if err != nil {
		slog.Error("escalation ladder invalid", slog.Any("error", err))
		os.Exit(1)
	}

	var model domain.ModelClient
	if cfg.ModelMock {
		slog.Warn("using mock model client")
		model = ai.NewMock()
	} else {
		model = ai.New(cfg, tiers)
	}

	specs, err := qa.NewDirStore(cfg.QASpecDir)
	if err != nil {
		slog.Error("qa spec load failed", slog.Any("error", err))
		os.Exit(1)
	}
	validator := qa.NewValidator(specs, cfg)

	retry := domain.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Jitter:     cfg.RetryJitter,
	}

	dispatcher := usecase.NewDispatcher(
		store, queue, bus, model,
		equipment.NewRegistry(10*time.Second),
		validator,
		usecase.NewEscalationController(ladder),
		tiers, retry, cfg,
	)

	if sweeper := app.NewSweeper(store, queue, cfg.MaxProcessingAge, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// Metrics and liveness only; the API surface belongs to cmd/server.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics listening", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("worker starting", slog.String("store_backend", backend))
	dispatcher.Run(ctx)
	slog.Info("worker stopped")
}
