// File: internal/rules/rule.go

// Package rules scores candidate commits against an advisory with a table of
// independent heuristic rules, each carrying a fixed relevance weight.
package rules

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Rule is a single heuristic. Evaluate returns an explanation when it matches.
// Rules must not mutate the candidate except through its linked-content memo.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, c *Candidate, rc *Context) (msg string, matched bool, err error)
}

// Context is what rules may consult besides the candidate itself.
type Context struct {
	Advisory *schemas.AdvisoryRecord
	// Issues is nil when linked issues must not be fetched.
	Issues schemas.IssueFetcher
	// Classifier is nil unless the second phase is enabled.
	Classifier schemas.Classifier
	Logger     *zap.Logger
}

// Candidate wraps a ranked candidate with per-run memoized linked content.
type Candidate struct {
	schemas.RankedCandidate

	ghIssues    map[string]string
	ghIssuesErr error
	ghLoaded    bool
	bugs        map[string]string
	bugsErr     error
	bugsLoaded  bool
}

// NewCandidate wraps a commit record.
func NewCandidate(rec *schemas.CommitRecord) *Candidate {
	return &Candidate{RankedCandidate: schemas.RankedCandidate{Commit: rec}}
}

// LinkedIssues returns the content of the GitHub issues the message refers to,
// keyed by issue number. It fetches at most once per candidate. Issues that
// could not be fetched are missing from the map and reported in err.
func (c *Candidate) LinkedIssues(ctx context.Context, rc *Context) (map[string]string, error) {
	if c.ghLoaded {
		return c.ghIssues, c.ghIssuesErr
	}
	if rc.Issues == nil || len(c.Commit.GHIssueRefs) == 0 {
		return nil, nil
	}
	c.ghIssues, c.ghIssuesErr = fetchAll(c.Commit.GHIssueRefs, func(id string) (string, error) {
		return rc.Issues.GitHubIssue(ctx, c.Commit.Repository, id)
	})
	// A cancelled run must not be memoized as a permanent failure.
	if ctx.Err() == nil {
		c.ghLoaded = true
	}
	return c.ghIssues, c.ghIssuesErr
}

// LinkedBugs is LinkedIssues for bug tracker tickets.
func (c *Candidate) LinkedBugs(ctx context.Context, rc *Context) (map[string]string, error) {
	if c.bugsLoaded {
		return c.bugs, c.bugsErr
	}
	if rc.Issues == nil || len(c.Commit.BugRefs) == 0 {
		return nil, nil
	}
	c.bugs, c.bugsErr = fetchAll(c.Commit.BugRefs, func(id string) (string, error) {
		return rc.Issues.BugTicket(ctx, id)
	})
	if ctx.Err() == nil {
		c.bugsLoaded = true
	}
	return c.bugs, c.bugsErr
}

func fetchAll(ids []string, fetch func(string) (string, error)) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	var errs []error
	for _, id := range ids {
		content, err := fetch(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[id] = content
	}
	return out, errors.Join(errs...)
}

// repositorySegments returns the lower-cased path segments of a repository URL.
// Tokens equal to one of them (the project name) carry no evidence.
func repositorySegments(repo string) map[string]bool {
	segs := make(map[string]bool)
	for _, s := range strings.Split(strings.ToLower(repo), "/") {
		if s != "" {
			segs[s] = true
		}
	}
	return segs
}

// sortedKeys turns a set into a sorted, comma separated list.
func sortedKeys(set map[string]struct{}) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// orderedIDs returns the keys of linked content sorted so explanations are stable.
func orderedIDs(m map[string]string) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
