package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/store/memory"
	"github.com/CZERTAINLY/Radar/internal/store/postgres"
	"github.com/CZERTAINLY/Radar/internal/store/rediscache"
	"github.com/CZERTAINLY/Radar/internal/store/sqlite"
)

// NewStore builds the resource store configured by cfg. The returned close
// function is never nil.
func NewStore(ctx context.Context, cfg model.StoreConfig) (model.ResourceStore, func() error, error) {
	nop := func() error { return nil }
	var store model.ResourceStore
	var closers []func() error

	switch cfg.Type {
	case "", model.StoreMemory:
		store = memory.New()
	case model.StorePostgres:
		pool, err := postgres.NewDB(ctx, cfg.DSN)
		if err != nil {
			return nil, nop, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nop, err
		}
		pg := postgres.New(pool)
		store = pg
		closers = append(closers, func() error { pg.Close(); return nil })
	case model.StoreSQLite:
		db, err := sqlite.InitDB(ctx, cfg.DSN)
		if err != nil {
			return nil, nop, err
		}
		lite := sqlite.New(db)
		store = lite
		closers = append(closers, lite.Close)
	default:
		return nil, nop, model.NewConfigurationError("store.type", "unsupported store %q", cfg.Type)
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		client, err := rediscache.NewClient(ctx, *cfg.Cache)
		if err != nil {
			closeAll(ctx, closers)
			return nil, nop, fmt.Errorf("initializing cache: %w", err)
		}
		cached, err := rediscache.New(store, client, cfg.Cache.Prefix, cfg.Cache.TTL)
		if err != nil {
			_ = client.Close()
			closeAll(ctx, closers)
			return nil, nop, err
		}
		store = cached
		closers = append(closers, client.Close)
		slog.DebugContext(ctx, "resource cache enabled", "addr", cfg.Cache.Addr)
	}

	return store, func() error {
		closeAll(ctx, closers)
		return nil
	}, nil
}

// closeAll closes in reverse order of creation.
func closeAll(ctx context.Context, closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.ErrorContext(ctx, "closing store has failed", "error", err)
		}
	}
}
