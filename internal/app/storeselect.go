package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/bolt"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// SelectStore connects to PostgreSQL and applies the schema; if that fails it
// falls back to the embedded bolt store at cfg.BoltPath. It returns the
// store, a close function and the backend name for health output.
func SelectStore(ctx context.Context, cfg config.Config) (domain.WorkOrderStore, func(), string, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(connectCtx, cfg.DBURL)
	if err == nil {
		store := postgres.NewStore(pool)
		if perr := store.Ping(connectCtx); perr == nil {
			if serr := postgres.EnsureSchema(connectCtx, pool); serr == nil {
				slog.Info("store selected", slog.String("backend", store.Backend()))
				return store, pool.Close, store.Backend(), nil
			} else {
				slog.Error("postgres schema apply failed", slog.Any("error", serr))
			}
		} else {
			slog.Warn("postgres unreachable, falling back to embedded store", slog.Any("error", perr))
		}
		pool.Close()
	} else {
		slog.Warn("postgres pool init failed, falling back to embedded store", slog.Any("error", err))
	}

	if dir := filepath.Dir(cfg.BoltPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, "", err
		}
	}
	store, err := bolt.Open(cfg.BoltPath)
	if err != nil {
		return nil, nil, "", err
	}
	slog.Info("store selected", slog.String("backend", store.Backend()))
	return store, func() { _ = store.Close() }, store.Backend(), nil
}
