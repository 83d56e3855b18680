// internal/engine/task_engine_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mock Implementations --

type getFunc func(ctx context.Context, id string) (*schemas.CommitRecord, error)

// fakeSource records the ids it was asked for.
type fakeSource struct {
	get  getFunc
	seen []string
}

func (s *fakeSource) GetCommit(ctx context.Context, id string) (*schemas.CommitRecord, error) {
	s.seen = append(s.seen, id)
	return s.get(ctx, id)
}

type fakePool struct {
	get getFunc

	mu     sync.Mutex
	forks  int
	merged []*fakeSource
}

func (p *fakePool) Fork() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forks++
	return &fakeSource{get: p.get}
}

func (p *fakePool) Merge(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.merged = append(p.merged, s.(*fakeSource))
}

func (p *fakePool) seen() int {
	n := 0
	for _, s := range p.merged {
		n += len(s.seen)
	}
	return n
}

func record(ctx context.Context, id string) (*schemas.CommitRecord, error) {
	return &schemas.CommitRecord{ID: id, Message: "message of " + id}, nil
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%040d", i)
	}
	return ids
}

func newEngine(t *testing.T, cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) *MiningEngine {
	t.Helper()
	e, err := New(cfg, logger, metrics)
	require.NoError(t, err)
	return e
}

// -- Test Suite --

func TestNew_Validation(t *testing.T) {
	_, err := New(config.EngineConfig{}, nil, nil)
	assert.EqualError(t, err, "logger cannot be nil")

	e := newEngine(t, config.EngineConfig{}, zap.NewNop(), nil)
	_, err = e.Mine(context.Background(), nil, []string{"a"})
	assert.EqualError(t, err, "pool cannot be nil")
}

// TestMiningEngine_MinesInInputOrder verifies every id is mined exactly once, that
// the output keeps the input order and that every worker cache is merged back.
func TestMiningEngine_MinesInInputOrder(t *testing.T) {
	metrics := observability.NewMetrics()
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 3, DefaultTaskTimeout: time.Second}, zap.NewNop(), metrics)
	pool := &fakePool{get: record}
	ids := makeIDs(20)

	res, err := e.Mine(context.Background(), pool, ids)
	require.NoError(t, err)

	require.Len(t, res.Records, len(ids))
	for i, rec := range res.Records {
		assert.Equal(t, ids[i], rec.ID)
	}
	assert.False(t, res.Partial)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, 3, pool.forks)
	assert.Len(t, pool.merged, 3, "every fork is merged back")
	assert.Equal(t, len(ids), pool.seen())

	expected := `
# HELP fixfinder_commits_mined_total Total number of commits turned into commit records
# TYPE fixfinder_commits_mined_total counter
fixfinder_commits_mined_total 20
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "fixfinder_commits_mined_total"))
}

func TestMiningEngine_ConcurrencyBoundedByInput(t *testing.T) {
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 8}, zap.NewNop(), nil)
	pool := &fakePool{get: record}

	res, err := e.Mine(context.Background(), pool, makeIDs(2))
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 2, pool.forks)

	res, err = e.Mine(context.Background(), pool, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 2, pool.forks, "no workers for an empty candidate set")
}

// TestMiningEngine_FailuresAreSkipped verifies that a commit that cannot be
// read is logged and left out while the batch continues.
func TestMiningEngine_FailuresAreSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 2}, zap.New(core), nil)
	pool := &fakePool{get: func(ctx context.Context, id string) (*schemas.CommitRecord, error) {
		if id == "bad" {
			return nil, errors.New("exit status 128")
		}
		return record(ctx, id)
	}}

	res, err := e.Mine(context.Background(), pool, []string{"a", "bad", "c"})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "a", res.Records[0].ID)
	assert.Equal(t, "c", res.Records[1].ID)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, logs.FilterMessage("Mining commit failed").Len())
}

// TestMiningEngine_PerCommitTimeout verifies a hanging commit only costs its own timeout.
func TestMiningEngine_PerCommitTimeout(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 1, DefaultTaskTimeout: 20 * time.Millisecond}, zap.New(core), nil)
	pool := &fakePool{get: func(ctx context.Context, id string) (*schemas.CommitRecord, error) {
		if id == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return record(ctx, id)
	}}

	res, err := e.Mine(context.Background(), pool, []string{"slow", "b"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "b", res.Records[0].ID)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, logs.FilterMessage("Mining commit timed out").Len())
}

// TestMiningEngine_BudgetTruncates verifies that an expired run context yields
// the mined prefix marked as partial rather than an error.
func TestMiningEngine_BudgetTruncates(t *testing.T) {
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 1}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := &fakePool{get: func(c context.Context, id string) (*schemas.CommitRecord, error) {
		if id == "c" {
			cancel()
			<-c.Done()
			return nil, c.Err()
		}
		return record(c, id)
	}}

	res, err := e.Mine(ctx, pool, []string{"a", "b", "c", "d", "e", "f"})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.True(t, res.Partial)
	assert.Equal(t, 4, res.Skipped)
	assert.Zero(t, res.Failed, "interrupted commits are skipped, not failed")
	assert.Len(t, pool.merged, 1, "forks are merged even when the run is cut short")
}

func TestMiningEngine_RejectsConcurrentMine(t *testing.T) {
	e := newEngine(t, config.EngineConfig{WorkerConcurrency: 1}, zap.NewNop(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	pool := &fakePool{get: func(ctx context.Context, id string) (*schemas.CommitRecord, error) {
		close(started)
		<-release
		return record(ctx, id)
	}}

	done := make(chan error, 1)
	go func() {
		_, err := e.Mine(context.Background(), pool, []string{"a"})
		done <- err
	}()
	<-started

	_, err := e.Mine(context.Background(), &fakePool{get: record}, []string{"b"})
	assert.EqualError(t, err, "mining engine is already running")

	close(release)
	require.NoError(t, <-done)

	// The engine is reusable once the first run has finished.
	res, err := e.Mine(context.Background(), &fakePool{get: record}, []string{"b"})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}
