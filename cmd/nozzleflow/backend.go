package main

import (
	"context"
	"fmt"

	"github.com/sweeney/nozzleflow/internal/config"
	"github.com/sweeney/nozzleflow/internal/store"
)

// openKV opens the configured persistence backend. The returned close
// function is never nil.
func openKV(ctx context.Context, sc config.StoreConfig) (store.KV, func() error, error) {
	nop := func() error { return nil }

	switch sc.Backend {
	case config.BackendMemory:
		return store.NewMemoryKV(), nop, nil
	case config.BackendFile:
		kv, err := store.OpenFileKV(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return kv, nop, nil
	case config.BackendRedis:
		kv, err := store.OpenRedisKV(ctx, store.RedisOptions{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case config.BackendPostgres:
		kv, err := store.OpenSQLKV(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}
