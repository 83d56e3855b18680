package results

import (
	"context"
)

// TagSource lists the tags whose history contains a commit.
type TagSource interface {
	TagsContaining(ctx context.Context, commitID string) ([]string, error)
}

// PipelineConfig holds what the results pipeline needs besides its inputs.
type PipelineConfig struct {
	// MaxCandidates caps the reported list. Zero keeps everything.
	MaxCandidates int
	// AnnotateTags is how many of the top candidates get their tags listed.
	AnnotateTags int
	// Tags is optional. If nil, enrichment is skipped.
	Tags TagSource
}
