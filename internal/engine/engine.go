// Package engine mines commit records for a candidate set with a bounded
// pool of workers.
package engine

import (
	"context"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/gitrepo"
)

// -- Interfaces for Dependency Inversion --

// Source builds commit records. A Source is used by one worker at a time.
type Source interface {
	GetCommit(ctx context.Context, id string) (*schemas.CommitRecord, error)
}

// Pool hands every worker its own Source and folds the worker caches back
// once the pool has drained.
type Pool interface {
	Fork() Source
	Merge(Source)
}

// ReaderPool adapts a gitrepo.Reader: workers mine on forks of the reader and
// their memoized records are merged into it afterwards.
type ReaderPool struct {
	Reader *gitrepo.Reader
}

func (p ReaderPool) Fork() Source { return p.Reader.Fork() }

func (p ReaderPool) Merge(s Source) {
	if r, ok := s.(*gitrepo.Reader); ok {
		p.Reader.Merge(r)
	}
}

// Result is the outcome of one Mine call.
type Result struct {
	// Records holds the mined commits in input order. Failed ids are omitted.
	Records []*schemas.CommitRecord
	// Failed counts ids whose record could not be built.
	Failed int
	// Skipped counts ids never attempted because the context ended.
	Skipped int
	// Partial is set when the context ended before every id was processed.
	Partial bool
}
