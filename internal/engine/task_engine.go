// internal/engine/task_engine.go
package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

const defaultCommitTimeout = 2 * time.Minute

type job struct {
	index int
	id    string
}

// MiningEngine distributes commit ids to a pool of workers. Each worker reads
// through its own forked Source so no cache is shared between goroutines.
type MiningEngine struct {
	cfg     config.EngineConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	// stateLock protects the running state of the engine.
	stateLock sync.Mutex
	isRunning bool
}

// New creates a new MiningEngine.
func New(cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) (*MiningEngine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &MiningEngine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "mining_engine")),
		metrics: metrics,
	}, nil
}

// Mine builds records for ids. It returns when every id has been processed or
// ctx is done; in the latter case the result holds what was mined so far and
// is marked Partial. Worker caches are merged into pool before returning.
func (e *MiningEngine) Mine(ctx context.Context, pool Pool, ids []string) (*Result, error) {
	if pool == nil {
		return nil, errors.New("pool cannot be nil")
	}

	// Prevent re-entrant calls: the pool merge is not safe to interleave.
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return nil, errors.New("mining engine is already running")
	}
	e.isRunning = true
	e.stateLock.Unlock()
	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	res := &Result{}
	if len(ids) == 0 {
		return res, nil
	}

	concurrency := e.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency > len(ids) {
		concurrency = len(ids)
	}
	e.logger.Debug("Starting mining worker pool", zap.Int("concurrency", concurrency), zap.Int("commits", len(ids)))

	jobs := make(chan job)
	go func() {
		defer close(jobs)
		for i, id := range ids {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, id: id}:
			}
		}
	}()

	records := make([]*schemas.CommitRecord, len(ids))
	var processed, failed atomic.Int64
	forks := make([]Source, concurrency)
	var wg sync.WaitGroup
	for i := range forks {
		forks[i] = pool.Fork()
		wg.Add(1)
		go func(workerID int, src Source) {
			defer wg.Done()
			e.runWorker(ctx, workerID, src, jobs, records, &processed, &failed)
		}(i+1, forks[i])
	}
	wg.Wait()

	// Explicit merge step: fold every worker cache back into the parent.
	for _, f := range forks {
		pool.Merge(f)
	}

	res.Records = make([]*schemas.CommitRecord, 0, len(ids))
	for _, rec := range records {
		if rec != nil {
			res.Records = append(res.Records, rec)
		}
	}
	res.Failed = int(failed.Load())
	res.Skipped = len(ids) - int(processed.Load())
	res.Partial = res.Skipped > 0 && ctx.Err() != nil

	if res.Partial {
		e.logger.Warn("Mining stopped before all commits were processed.",
			zap.Int("mined", len(res.Records)), zap.Int("skipped", res.Skipped), zap.Error(ctx.Err()))
	}
	return res, nil
}

// runWorker is the main loop for a single worker goroutine.
func (e *MiningEngine) runWorker(
	ctx context.Context,
	workerID int,
	src Source,
	jobs <-chan job,
	records []*schemas.CommitRecord,
	processed, failed *atomic.Int64,
) {
	logger := e.logger.With(zap.Int("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			rec, err := e.process(ctx, src, j.id, logger)
			if ctx.Err() != nil && rec == nil {
				// Interrupted mid-commit: counts as skipped, not failed.
				return
			}
			processed.Add(1)
			if err != nil {
				failed.Add(1)
				continue
			}
			records[j.index] = rec
		}
	}
}

// process mines a single commit under the per-commit timeout.
func (e *MiningEngine) process(ctx context.Context, src Source, id string, logger *zap.Logger) (*schemas.CommitRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	timeout := e.cfg.DefaultTaskTimeout
	if timeout <= 0 {
		timeout = defaultCommitTimeout
	}
	commitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := src.GetCommit(commitCtx, id)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The run itself ended; the caller reports it.
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("Mining commit timed out", zap.String("commit", id), zap.Duration("timeout", timeout))
		default:
			logger.Warn("Mining commit failed", zap.String("commit", id), zap.Error(err))
		}
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("source returned no record")
	}
	e.metrics.CommitMined()
	return rec, nil
}
