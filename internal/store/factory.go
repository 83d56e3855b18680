package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

// Noop is the cache used when caching is disabled or unreachable.
type Noop struct{}

func (Noop) Lookup(context.Context, string, []string) (map[string]*schemas.CommitRecord, error) {
	return map[string]*schemas.CommitRecord{}, nil
}

func (Noop) Save(context.Context, string, []*schemas.CommitRecord) error { return nil }

func (Noop) Close() error { return nil }

// Open connects the configured backend. In "optional" mode a connection
// failure degrades to Noop with a warning, in "always" mode it is returned.
// The result records lookup outcomes on metrics.
func Open(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.CommitCache, error) {
	if cfg.Mode == config.CacheModeNever || cfg.Backend == "" || cfg.Backend == config.CacheBackendNone {
		return Noop{}, nil
	}

	cache, err := openBackend(ctx, cfg, logger)
	if err != nil {
		if cfg.Mode == config.CacheModeAlways {
			return nil, fmt.Errorf("commit cache %s unavailable: %w", cfg.Backend, err)
		}
		logger.Warn("Commit cache unavailable, continuing without it",
			zap.String("backend", cfg.Backend), zap.Error(err))
		return Noop{}, nil
	}
	logger.Info("Commit cache connected", zap.String("backend", cfg.Backend))
	return &instrumented{next: cache, metrics: metrics}, nil
}

func openBackend(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (schemas.CommitCache, error) {
	switch cfg.Backend {
	case config.CacheBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := New(ctx, pool, cfg.TTL, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case config.CacheBackendRedis:
		client := NewRedisClient(cfg.Redis)
		c, err := NewRedisCache(ctx, client, cfg.Redis.KeyPrefix, cfg.TTL, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return c, nil
	case config.CacheBackendBadger:
		return OpenBadger(cfg.Badger, cfg.TTL, logger)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// instrumented counts hits, misses and errors of the wrapped cache.
type instrumented struct {
	next    schemas.CommitCache
	metrics *observability.Metrics
}

func (c *instrumented) Lookup(ctx context.Context, repository string, ids []string) (map[string]*schemas.CommitRecord, error) {
	found, err := c.next.Lookup(ctx, repository, ids)
	if err != nil {
		c.metrics.CacheError()
		return nil, err
	}
	c.metrics.CacheLookup(len(found), len(ids)-len(found))
	return found, nil
}

func (c *instrumented) Save(ctx context.Context, repository string, records []*schemas.CommitRecord) error {
	if err := c.next.Save(ctx, repository, records); err != nil {
		c.metrics.CacheError()
		return err
	}
	return nil
}

func (c *instrumented) Close() error {
	return c.next.Close()
}
