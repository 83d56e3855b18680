// File: internal/rules/reference_rules.go
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// minCommitRefLen is the shortest hash a "commit::" reference may carry.
const minCommitRefLen = 6

// mentionsCommit reports whether a reference key names the commit id, either
// as a "commit::<hash>" marker or by containing its short id.
func mentionsCommit(ref, id string) bool {
	if len(id) < 8 {
		return false
	}
	if hash, ok := strings.CutPrefix(ref, schemas.CommitReferencePrefix); ok {
		return len(hash) >= minCommitRefLen && strings.HasPrefix(strings.ToLower(id), strings.ToLower(hash))
	}
	return strings.Contains(ref, id[:8])
}

type commitInReference struct{}

func (commitInReference) ID() string { return CommitInReference }

func (commitInReference) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	for _, ref := range rc.Advisory.ReferenceURLs() {
		if mentionsCommit(ref, c.Commit.ID) {
			return fmt.Sprintf("This commit is mentioned %d times in the references.", rc.Advisory.References[ref]), true, nil
		}
	}
	return "", false, nil
}

type twinInReference struct{}

func (twinInReference) ID() string { return TwinInReference }

func (twinInReference) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	for _, twin := range c.Commit.Twins {
		for _, ref := range rc.Advisory.ReferenceURLs() {
			if mentionsCommit(ref, twin) {
				return fmt.Sprintf("A twin of this commit (%.8s) is mentioned in the references", twin), true, nil
			}
		}
	}
	return "", false, nil
}

type xrefBug struct{}

func (xrefBug) ID() string { return XRefBug }

func (xrefBug) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	matched := make(map[string]struct{})
	for _, id := range c.Commit.BugRefs {
		for ref := range rc.Advisory.References {
			if strings.Contains(ref, id) && strings.Contains(strings.ToLower(ref), "jira") {
				matched[id] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit and the advisory (including referenced pages) mention the same bug tracking ticket: " + sortedKeys(matched), true, nil
}

type xrefGH struct{}

func (xrefGH) ID() string { return XRefGH }

func (xrefGH) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	repo := strings.TrimSuffix(strings.TrimSuffix(c.Commit.Repository, "/"), ".git")
	if repo == "" {
		return "", false, nil
	}
	matched := make(map[string]struct{})
	for ref := range rc.Advisory.References {
		if !strings.HasPrefix(ref, repo+"/") {
			continue
		}
		segs := make(map[string]bool)
		for _, s := range strings.Split(ref, "/") {
			segs[s] = true
		}
		for _, id := range c.Commit.GHIssueRefs {
			if segs[id] {
				matched[id] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit and the advisory (including referenced pages) mention the same github issue: " + sortedKeys(matched), true, nil
}

type vulnIDInLinkedIssue struct{}

func (vulnIDInLinkedIssue) ID() string { return VulnIDInLinkedIssue }

func (vulnIDInLinkedIssue) Evaluate(ctx context.Context, c *Candidate, rc *Context) (string, bool, error) {
	id := rc.Advisory.VulnID
	if id == "" {
		return "", false, nil
	}
	issues, ghErr := c.LinkedIssues(ctx, rc)
	for _, num := range orderedIDs(issues) {
		if strings.Contains(issues[num], id) {
			return fmt.Sprintf("Issue %s linked to the commit mentions the vulnerability ID", num), true, nil
		}
	}
	bugs, bugErr := c.LinkedBugs(ctx, rc)
	for _, key := range orderedIDs(bugs) {
		if strings.Contains(bugs[key], id) {
			return fmt.Sprintf("The bug tracking ticket %s linked to the commit mentions the vulnerability ID", key), true, nil
		}
	}
	if ghErr != nil {
		return "", false, ghErr
	}
	return "", false, bugErr
}

type secKeywordsInLinkedGH struct{}

func (secKeywordsInLinkedGH) ID() string { return SecKeywordsInLinkedGH }

func (secKeywordsInLinkedGH) Evaluate(ctx context.Context, c *Candidate, rc *Context) (string, bool, error) {
	issues, err := c.LinkedIssues(ctx, rc)
	for _, num := range orderedIDs(issues) {
		if found := ExtractSecurityKeywords(issues[num]); len(found) > 0 {
			return fmt.Sprintf("The github issue %s contains some security-related terms: %s", num, sortedKeys(found)), true, nil
		}
	}
	return "", false, err
}

type secKeywordsInLinkedBug struct{}

func (secKeywordsInLinkedBug) ID() string { return SecKeywordsInLinkedBug }

func (secKeywordsInLinkedBug) Evaluate(ctx context.Context, c *Candidate, rc *Context) (string, bool, error) {
	bugs, err := c.LinkedBugs(ctx, rc)
	for _, key := range orderedIDs(bugs) {
		if found := ExtractSecurityKeywords(bugs[key]); len(found) > 0 {
			return fmt.Sprintf("The bug tracking ticket %s contains some security-related terms: %s", key, sortedKeys(found)), true, nil
		}
	}
	return "", false, err
}

// commitIsSecurityRelevant asks the remote classifier. It only runs in the
// second phase, over the provisional top candidates.
type commitIsSecurityRelevant struct{}

func (commitIsSecurityRelevant) ID() string { return CommitIsSecurityRelevant }

func (commitIsSecurityRelevant) Evaluate(ctx context.Context, c *Candidate, rc *Context) (string, bool, error) {
	if rc.Classifier == nil {
		return "", false, nil
	}
	ok, err := rc.Classifier.IsSecurityFix(ctx, rc.Advisory, c.Commit)
	if err != nil || !ok {
		return "", false, err
	}
	return "The commit was classified as a security fix for the advisory", true, nil
}
