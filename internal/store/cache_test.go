package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

// MockRedisClient is a testify mock of RedisClient.
type MockRedisClient struct {
	mock.Mock
	queued int
}

func (m *MockRedisClient) Ping(ctx context.Context) *goredis.StatusCmd {
	args := m.Called(ctx)
	return goredis.NewStatusResult("PONG", args.Error(0))
}

func (m *MockRedisClient) MGet(ctx context.Context, keys ...string) *goredis.SliceCmd {
	args := m.Called(ctx, keys)
	values, _ := args.Get(0).([]interface{})
	return goredis.NewSliceResult(values, args.Error(1))
}

// Pipelined runs fn against a real, never-executed pipeline and records how
// many commands were queued.
func (m *MockRedisClient) Pipelined(ctx context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	pipe := client.Pipeline()
	if err := fn(pipe); err != nil {
		return nil, err
	}
	m.queued = pipe.Len()
	args := m.Called(ctx)
	return nil, args.Error(0)
}

func (m *MockRedisClient) Close() error {
	return m.Called().Error(0)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("nil client", func(t *testing.T) {
		_, err := NewRedisCache(ctx, nil, "", 0, zap.NewNop())
		assert.EqualError(t, err, "redis client cannot be nil")
	})

	t.Run("ping failure", func(t *testing.T) {
		client := new(MockRedisClient)
		client.On("Ping", ctx).Return(errors.New("connection refused"))
		_, err := NewRedisCache(ctx, client, "", 0, zap.NewNop())
		assert.ErrorContains(t, err, "failed to ping redis")
	})

	t.Run("lookup decodes hits and skips corrupt values", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.WarnLevel)
		client := new(MockRedisClient)
		client.On("Ping", ctx).Return(nil)

		raw, err := encodeRecord(sampleRecord("aaa"))
		require.NoError(t, err)
		client.On("MGet", ctx, []string{
			"fixfinder:commit:" + repo + ":aaa",
			"fixfinder:commit:" + repo + ":bbb",
			"fixfinder:commit:" + repo + ":ccc",
		}).Return([]interface{}{string(raw), nil, "garbage"}, nil)

		c, err := NewRedisCache(ctx, client, "", time.Hour, zap.New(observedZapCore))
		require.NoError(t, err)

		found, err := c.Lookup(ctx, repo, []string{"aaa", "bbb", "ccc"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, []string{"src/DocumentParser.java"}, found["aaa"].ChangedFiles)
		assert.Equal(t, 1, observedLogs.FilterMessage("Discarding undecodable cached commit").Len())
		client.AssertExpectations(t)
	})

	t.Run("lookup error", func(t *testing.T) {
		client := new(MockRedisClient)
		client.On("Ping", ctx).Return(nil)
		client.On("MGet", ctx, []string{"p:" + repo + ":aaa"}).Return(nil, errors.New("timeout"))

		c, err := NewRedisCache(ctx, client, "p", time.Hour, zap.NewNop())
		require.NoError(t, err)
		_, err = c.Lookup(ctx, repo, []string{"aaa"})
		assert.ErrorContains(t, err, "cache mget")
	})

	t.Run("save pipelines one set per record", func(t *testing.T) {
		client := new(MockRedisClient)
		client.On("Ping", ctx).Return(nil)
		client.On("Pipelined", ctx).Return(nil)
		client.On("Close").Return(nil)

		c, err := NewRedisCache(ctx, client, "", time.Hour, zap.NewNop())
		require.NoError(t, err)

		err = c.Save(ctx, repo, []*schemas.CommitRecord{sampleRecord("aaa"), nil, sampleRecord("bbb")})
		require.NoError(t, err)
		assert.Equal(t, 2, client.queued)
		require.NoError(t, c.Close())
		client.AssertExpectations(t)
	})

	t.Run("save error", func(t *testing.T) {
		client := new(MockRedisClient)
		client.On("Ping", ctx).Return(nil)
		client.On("Pipelined", ctx).Return(errors.New("READONLY"))

		c, err := NewRedisCache(ctx, client, "", time.Hour, zap.NewNop())
		require.NoError(t, err)
		err = c.Save(ctx, repo, []*schemas.CommitRecord{sampleRecord("aaa")})
		assert.ErrorContains(t, err, "READONLY")
	})
}

func TestBadgerCache(t *testing.T) {
	ctx := context.Background()
	c, err := OpenBadger(config.BadgerConfig{InMemory: true}, time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Save(ctx, repo, []*schemas.CommitRecord{sampleRecord("aaa"), sampleRecord("bbb")}))
	require.NoError(t, c.Save(ctx, "https://github.com/acme/other", []*schemas.CommitRecord{sampleRecord("ccc")}))

	found, err := c.Lookup(ctx, repo, []string{"aaa", "bbb", "ccc"})
	require.NoError(t, err)
	assert.Len(t, found, 2, "records are scoped to their repository")
	assert.Equal(t, "Fix XXE in DocumentParser", found["bbb"].Message)
	assert.Nil(t, found["aaa"].Tags)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Lookup(cancelled, repo, []string{"aaa"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerCache_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := OpenBadger(config.BadgerConfig{Path: dir}, 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, repo, []*schemas.CommitRecord{sampleRecord("aaa")}))
	require.NoError(t, c.Close())

	reopened, err := OpenBadger(config.BadgerConfig{Path: dir}, 0, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	found, err := reopened.Lookup(ctx, repo, []string{"aaa"})
	require.NoError(t, err)
	assert.Contains(t, found, "aaa")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		for _, cfg := range []config.CacheConfig{
			{},
			{Backend: config.CacheBackendNone, Mode: config.CacheModeAlways},
			{Backend: config.CacheBackendBadger, Mode: config.CacheModeNever},
		} {
			c, err := Open(ctx, cfg, zap.NewNop(), nil)
			require.NoError(t, err)
			assert.IsType(t, Noop{}, c)
		}
	})

	t.Run("optional degrades to noop", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.WarnLevel)
		cfg := config.CacheConfig{
			Backend:  config.CacheBackendPostgres,
			Mode:     config.CacheModeOptional,
			Postgres: config.PostgresConfig{URL: "::not-a-dsn"},
		}
		c, err := Open(ctx, cfg, zap.New(observedZapCore), nil)
		require.NoError(t, err)
		assert.IsType(t, Noop{}, c)
		assert.Equal(t, 1, observedLogs.FilterMessage("Commit cache unavailable, continuing without it").Len())
	})

	t.Run("always fails hard", func(t *testing.T) {
		cfg := config.CacheConfig{
			Backend:  config.CacheBackendPostgres,
			Mode:     config.CacheModeAlways,
			Postgres: config.PostgresConfig{URL: "::not-a-dsn"},
		}
		_, err := Open(ctx, cfg, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "commit cache postgres unavailable")
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(ctx, config.CacheConfig{Backend: "memcached", Mode: config.CacheModeAlways}, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "unsupported cache backend")
	})

	t.Run("connected cache records hits and misses", func(t *testing.T) {
		metrics := observability.NewMetrics()
		cfg := config.CacheConfig{
			Backend: config.CacheBackendBadger,
			Mode:    config.CacheModeAlways,
			Badger:  config.BadgerConfig{InMemory: true},
		}
		c, err := Open(ctx, cfg, zap.NewNop(), metrics)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.Save(ctx, repo, []*schemas.CommitRecord{sampleRecord("aaa")}))
		found, err := c.Lookup(ctx, repo, []string{"aaa", "bbb", "ccc"})
		require.NoError(t, err)
		assert.Len(t, found, 1)

		expected := `
# HELP fixfinder_cache_lookups_total Commit cache lookups by result (hit, miss, error)
# TYPE fixfinder_cache_lookups_total counter
fixfinder_cache_lookups_total{result="hit"} 1
fixfinder_cache_lookups_total{result="miss"} 2
`
		assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "fixfinder_cache_lookups_total"))
	})
}
