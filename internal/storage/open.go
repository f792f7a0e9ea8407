package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mindlabs/quest-engine/internal/config"
	"github.com/mindlabs/quest-engine/internal/gamification"
)

// Backend is a Persister that may hold a connection needing release.
type Backend interface {
	gamification.Persister
	io.Closer
}

type nopCloser struct{ gamification.Persister }

func (nopCloser) Close() error { return nil }

// Open constructs the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		fs := NewFileStore(cfg.Dir)
		slog.Info("using file storage", "dir", fs.Dir())
		return nopCloser{fs}, nil

	case config.BackendMemory:
		slog.Warn("using in-memory storage; state will not survive a restart")
		return nopCloser{NewMemoryStore()}, nil

	case config.BackendRedis:
		rs, err := NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using redis storage", "addr", cfg.Redis.Addr, "prefix", rs.prefix)
		return rs, nil

	case config.BackendPostgres:
		ps, err := NewPostgresStore(ctx, PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using postgres storage")
		return ps, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
