package schemas

import (
	"context"
)

// -- Cache Interface --

// CommitCache is the optional key-value collaborator keyed by (repository,
// commit id). It lets a run skip re-mining commits some earlier run already
// processed. Implementations must tolerate being unreachable: callers treat
// any error as a cache miss.
type CommitCache interface {
	// Lookup returns the cached records among ids. Missing ids are simply
	// absent from the map.
	Lookup(ctx context.Context, repository string, ids []string) (map[string]*CommitRecord, error)
	// Save stores freshly mined records.
	Save(ctx context.Context, repository string, records []*CommitRecord) error
	// Close releases any connection held by the cache.
	Close() error
}

// -- Fetch Interfaces --

// ContentFetcher retrieves the text behind a reference URL.
type ContentFetcher interface {
	// FetchText returns the visible text of the page.
	FetchText(ctx context.Context, url string) (string, error)
	// FetchLinks returns the absolute hyperlinks found on the page.
	FetchLinks(ctx context.Context, url string) ([]string, error)
}

// IssueFetcher retrieves the content of issues and bug tickets a commit
// message links to.
type IssueFetcher interface {
	// GitHubIssue returns title and body of an issue of the given repository URL.
	GitHubIssue(ctx context.Context, repositoryURL string, number string) (string, error)
	// BugTicket returns summary and description of a tracker ticket such as "PROJ-123".
	BugTicket(ctx context.Context, id string) (string, error)
}

// -- Classification Interface --

// Classifier answers whether a commit looks like the fix for an advisory.
// It backs the optional, high-latency second rule phase.
type Classifier interface {
	IsSecurityFix(ctx context.Context, advisory *AdvisoryRecord, commit *CommitRecord) (bool, error)
	Close() error
}
