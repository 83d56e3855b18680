// File: internal/rules/engine.go
package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/results"
)

// DefaultTopK is how many provisional leaders the second phase examines.
const DefaultTopK = 10

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Active is the ordered allow/deny list passed to Registry.Select.
	Active []string
	// TopK bounds the second phase.
	TopK int
	// Concurrency bounds parallel second phase evaluations.
	Concurrency int
	// Phase2 enables rules of PhaseRemote.
	Phase2 bool
}

// Engine evaluates the active rules over a candidate set and ranks it.
type Engine struct {
	local   []Entry
	remote  []Entry
	topK    int
	workers int
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewEngine selects the active rules from registry.
func NewEngine(registry *Registry, cfg EngineConfig, logger *zap.Logger, metrics *observability.Metrics) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("rule registry cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	active, err := registry.Select(cfg.Active)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		topK:    cfg.TopK,
		workers: cfg.Concurrency,
		logger:  logger.Named("rules"),
		metrics: metrics,
	}
	if e.topK <= 0 {
		e.topK = DefaultTopK
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}
	for _, entry := range active {
		switch entry.Phase {
		case PhaseRemote:
			if cfg.Phase2 {
				e.remote = append(e.remote, entry)
			}
		default:
			e.local = append(e.local, entry)
		}
	}
	return e, nil
}

// ActiveRules returns the ids of the rules this engine applies.
func (e *Engine) ActiveRules() []string {
	ids := make([]string, 0, len(e.local)+len(e.remote))
	for _, entry := range e.local {
		ids = append(ids, entry.ID())
	}
	for _, entry := range e.remote {
		ids = append(ids, entry.ID())
	}
	return ids
}

// Evaluate scores commits against rc.Advisory and returns them ranked by
// score descending, ties in input order, with twins collapsed.
//
// A failing rule counts as no match for that candidate. Only cancellation
// of ctx aborts the evaluation.
func (e *Engine) Evaluate(ctx context.Context, commits []*schemas.CommitRecord, rc *Context) ([]*schemas.RankedCandidate, error) {
	if rc == nil || rc.Advisory == nil {
		return nil, errors.New("rule context requires an advisory")
	}
	if rc.Logger == nil {
		rc.Logger = e.logger
	}

	cands := make([]*Candidate, 0, len(commits))
	for _, rec := range commits {
		if rec != nil {
			cands = append(cands, NewCandidate(rec))
		}
	}

	// Phase 1: local rules over everything.
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.apply(ctx, c, rc, e.local)
	}
	results.Rank(cands, candidateScore)

	// Phase 2: remote rules over the provisional leaders only.
	if len(e.remote) > 0 && rc.Classifier != nil {
		top := cands
		if len(top) > e.topK {
			top = top[:e.topK]
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, c := range top {
			g.Go(func() error {
				e.apply(gctx, c, rc, e.remote)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("second rule phase: %w", err)
		}
		results.Rank(cands, candidateScore)
	}

	ranked := make([]*schemas.RankedCandidate, len(cands))
	for i, c := range cands {
		ranked[i] = &c.RankedCandidate
	}
	return results.CollapseTwins(ranked), nil
}

func (e *Engine) apply(ctx context.Context, c *Candidate, rc *Context, entries []Entry) {
	for _, entry := range entries {
		msg, ok, err := entry.Rule.Evaluate(ctx, c, rc)
		if err != nil {
			e.logger.Warn("Rule failed, treating as no match",
				zap.String("rule", entry.ID()),
				zap.String("commit", c.Commit.ShortID()),
				zap.Error(err))
			if errkind.Is(err, errkind.ExternalFetchFailure) {
				e.metrics.FetchFailure("rule")
			}
			continue
		}
		if !ok {
			continue
		}
		c.AddMatch(schemas.MatchResult{RuleID: entry.ID(), Message: msg, Relevance: entry.Weight})
		e.metrics.RuleMatch(entry.ID())
	}
}

func candidateScore(c *Candidate) int { return c.Score }
