// Command server starts the work-order ingress HTTP server.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/equipment"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/queue/redisstream"
	"github.com/fairyhunter13/agent-scheduler/internal/app"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/service/ratelimiter"
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

	ctx := context.Background()

	store, closeStore, backend, err := app.SelectStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("ingress starting", slog.String("store_backend", backend))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	queue, err := redisstream.NewQueue(ctx, rdb)
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	bus := redisstream.NewEventBus(rdb)
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)

	admin := usecase.NewAdmin(equipment.NewRegistry(10*time.Second), cfg.CompressedContextMaxTokens)
	orders := usecase.NewWorkOrders(store, queue, bus, admin, limiter, cfg)

	srv := httpserver.NewServer(cfg, orders, bus, store.Ping, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
