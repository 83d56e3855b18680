// File: internal/results/pipeline.go
package results

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Pipeline turns the scored candidates of one run into the final report.
type Pipeline struct {
	cfg      PipelineConfig
	enricher *Enricher
	logger   *zap.Logger
}

// NewPipeline creates a new results processing pipeline.
func NewPipeline(cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		enricher: NewEnricher(cfg.Tags, logger),
		logger:   logger.Named("results_pipeline"),
	}
}

// Run describes the run a report is produced for.
type Run struct {
	VulnID          string
	Repository      string
	Resolution      schemas.Resolution
	Partial         bool
	HasFixingCommit bool
	Stats           schemas.RunStats
}

// Process truncates, enriches and packages already ranked candidates.
func (p *Pipeline) Process(ctx context.Context, run Run, ranked []*schemas.RankedCandidate) *schemas.Report {
	p.logger.Info("Starting results processing", zap.String("vuln_id", run.VulnID), zap.Int("candidates", len(ranked)))

	// 1. Truncation
	if p.cfg.MaxCandidates > 0 && len(ranked) > p.cfg.MaxCandidates {
		ranked = ranked[:p.cfg.MaxCandidates]
	}

	// 2. Enrichment
	for i, c := range ranked {
		if i >= p.cfg.AnnotateTags || ctx.Err() != nil {
			break
		}
		p.enricher.EnrichCandidate(ctx, c)
	}

	// 3. Aggregation
	report := &schemas.Report{
		RunID:           uuid.NewString(),
		VulnID:          run.VulnID,
		Repository:      run.Repository,
		Resolution:      run.Resolution,
		Candidates:      make([]schemas.RankedCandidate, 0, len(ranked)),
		Partial:         run.Partial,
		HasFixingCommit: run.HasFixingCommit,
		Stats:           run.Stats,
		GeneratedAt:     time.Now().UTC(),
	}
	for _, c := range ranked {
		report.Candidates = append(report.Candidates, *c)
	}

	p.logger.Info("Results processing complete", zap.String("run_id", report.RunID), zap.Int("reported", len(report.Candidates)))
	return report
}
