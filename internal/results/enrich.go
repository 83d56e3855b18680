// internal/results/enrich.go
package results

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Enricher adds repository context to the top ranked candidates.
type Enricher struct {
	tags   TagSource
	logger *zap.Logger
}

// NewEnricher creates a new Enricher instance.
func NewEnricher(tags TagSource, logger *zap.Logger) *Enricher {
	return &Enricher{
		tags:   tags,
		logger: logger.Named("enricher"),
	}
}

// EnrichCandidate lists the tags that contain the candidate commit.
// Lookup failures leave the candidate untouched.
func (e *Enricher) EnrichCandidate(ctx context.Context, c *schemas.RankedCandidate) {
	if e.tags == nil || c.Commit == nil || len(c.Commit.Tags) > 0 {
		return
	}
	tags, err := e.tags.TagsContaining(ctx, c.Commit.ID)
	if err != nil {
		e.logger.Debug("Could not list tags containing commit", zap.String("commit", c.Commit.ShortID()), zap.Error(err))
		return
	}
	c.Commit.Tags = tags
}
