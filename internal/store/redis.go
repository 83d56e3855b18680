package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
)

const defaultKeyPrefix = "fixfinder:commit"

// RedisClient wraps the redis.Client methods the cache needs, so tests can
// substitute it.
type RedisClient interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
	Pipelined(ctx context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error)
	Close() error
}

// RedisCache keeps one JSON value per commit under
// "<prefix>:<repository>:<id>", expiring after ttl.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisClient dials the configured server.
func NewRedisClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// NewRedisCache verifies the connection before returning the cache.
func NewRedisCache(ctx context.Context, client RedisClient, prefix string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: logger.Named("redis_cache")}, nil
}

func (c *RedisCache) key(repository, id string) string {
	return c.prefix + ":" + repository + ":" + id
}

// Lookup fetches all ids with a single MGET.
func (c *RedisCache) Lookup(ctx context.Context, repository string, ids []string) (map[string]*schemas.CommitRecord, error) {
	found := make(map[string]*schemas.CommitRecord)
	if len(ids) == 0 {
		return found, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(repository, id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}

	for i, v := range values {
		if v == nil || i >= len(ids) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			c.log.Warn("Discarding undecodable cached commit", zap.String("commit", ids[i]), zap.Error(err))
			continue
		}
		found[ids[i]] = rec
	}
	return found, nil
}

// Save writes all records in one pipeline.
func (c *RedisCache) Save(ctx context.Context, repository string, records []*schemas.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, rec := range records {
			if rec == nil {
				continue
			}
			raw, err := encodeRecord(rec)
			if err != nil {
				return fmt.Errorf("cache marshal %s: %w", rec.ID, err)
			}
			pipe.Set(ctx, c.key(repository, rec.ID), raw, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
