// File: internal/rules/message_rules.go
package rules

import (
	"context"
	"fmt"
	"strings"
)

// Rule identifiers.
const (
	VulnIDInMessage          = "VULN_ID_IN_MESSAGE"
	CommitInReference        = "COMMIT_IN_REFERENCE"
	VulnIDInLinkedIssue      = "VULN_ID_IN_LINKED_ISSUE"
	XRefBug                  = "XREF_BUG"
	XRefGH                   = "XREF_GH"
	TwinInReference          = "TWIN_IN_REFERENCE"
	ChangesRelevantFiles     = "CHANGES_RELEVANT_FILES"
	ChangesRelevantCode      = "CHANGES_RELEVANT_CODE"
	RelevantWordsInMessage   = "RELEVANT_WORDS_IN_MESSAGE"
	AdvKeywordsInFiles       = "ADV_KEYWORDS_IN_FILES"
	AdvKeywordsInMsg         = "ADV_KEYWORDS_IN_MSG"
	SecKeywordsInMessage     = "SEC_KEYWORDS_IN_MESSAGE"
	SecKeywordsInLinkedGH    = "SEC_KEYWORDS_IN_LINKED_GH"
	SecKeywordsInLinkedBug   = "SEC_KEYWORDS_IN_LINKED_BUG"
	GitHubIssueInMessage     = "GITHUB_ISSUE_IN_MESSAGE"
	BugInMessage             = "BUG_IN_MESSAGE"
	CommitHasTwins           = "COMMIT_HAS_TWINS"
	CommitIsSecurityRelevant = "COMMIT_IS_SECURITY_RELEVANT"
)

// minFileTokenLen skips advisory file tokens too short to be meaningful.
const minFileTokenLen = 4

type vulnIDInMessage struct{}

func (vulnIDInMessage) ID() string { return VulnIDInMessage }

func (vulnIDInMessage) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	id := rc.Advisory.VulnID
	if id == "" {
		return "", false, nil
	}
	for _, ref := range c.Commit.VulnRefs {
		if strings.EqualFold(ref, id) {
			return "The commit message mentions the vulnerability ID", true, nil
		}
	}
	return "", false, nil
}

type changesRelevantFiles struct{}

func (changesRelevantFiles) ID() string { return ChangesRelevantFiles }

func (changesRelevantFiles) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	repo := repositorySegments(c.Commit.Repository)
	matched := make(map[string]struct{})
	for _, file := range c.Commit.ChangedFiles {
		lf := strings.ToLower(file)
		for _, adv := range rc.Advisory.Files {
			la := strings.ToLower(adv)
			if len(adv) < minFileTokenLen || repo[la] {
				continue
			}
			if strings.Contains(lf, la) {
				matched[file] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit changes some relevant files: " + sortedKeys(matched), true, nil
}

type changesRelevantCode struct{}

func (changesRelevantCode) ID() string { return ChangesRelevantCode }

func (changesRelevantCode) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	repo := repositorySegments(c.Commit.Repository)
	matched := make(map[string]struct{})
	for _, word := range rc.Advisory.Files {
		if word == "" || repo[strings.ToLower(word)] {
			continue
		}
		for _, line := range c.Commit.Diff {
			if isDiffHeader(line) {
				continue
			}
			if strings.Contains(line, word) {
				matched[word] = struct{}{}
				break
			}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit modifies code containing relevant filename or methods: " + sortedKeys(matched), true, nil
}

func isDiffHeader(line string) bool {
	return strings.HasPrefix(line, "diff --git") || strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++")
}

type relevantWordsInMessage struct{}

func (relevantWordsInMessage) ID() string { return RelevantWordsInMessage }

func (relevantWordsInMessage) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(c.Commit.Message) {
		words[w] = struct{}{}
	}
	matched := make(map[string]struct{})
	for _, token := range rc.Advisory.Files {
		if _, ok := words[token]; ok {
			matched[token] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit message contains some relevant words: " + sortedKeys(matched), true, nil
}

type advKeywordsInFiles struct{}

func (advKeywordsInFiles) ID() string { return AdvKeywordsInFiles }

func (advKeywordsInFiles) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	repo := strings.ToLower(c.Commit.Repository)
	matched := make(map[string]struct{})
	for _, file := range c.Commit.ChangedFiles {
		lf := strings.ToLower(file)
		for _, kw := range rc.Advisory.Keywords {
			lk := strings.ToLower(kw)
			if lk == "" || strings.Contains(repo, lk) {
				continue
			}
			if strings.Contains(lf, lk) {
				matched[kw] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "An advisory keyword is contained in the changed files: " + sortedKeys(matched), true, nil
}

type advKeywordsInMsg struct{}

func (advKeywordsInMsg) ID() string { return AdvKeywordsInMsg }

func (advKeywordsInMsg) Evaluate(_ context.Context, c *Candidate, rc *Context) (string, bool, error) {
	repo := strings.ToLower(c.Commit.Repository)
	msg := strings.ToLower(c.Commit.Message)
	matched := make(map[string]struct{})
	for _, kw := range rc.Advisory.Keywords {
		lk := strings.ToLower(kw)
		if lk == "" || strings.Contains(repo, lk) {
			continue
		}
		if strings.Contains(msg, lk) {
			matched[lk] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return "", false, nil
	}
	return "The commit message and the advisory description contain the following keywords: " + sortedKeys(matched), true, nil
}

type secKeywordsInMessage struct{}

func (secKeywordsInMessage) ID() string { return SecKeywordsInMessage }

func (secKeywordsInMessage) Evaluate(_ context.Context, c *Candidate, _ *Context) (string, bool, error) {
	found := ExtractSecurityKeywords(c.Commit.Message)
	if len(found) == 0 {
		return "", false, nil
	}
	return "The commit message contains some security-related keywords: " + sortedKeys(found), true, nil
}

type githubIssueInMessage struct{}

func (githubIssueInMessage) ID() string { return GitHubIssueInMessage }

func (githubIssueInMessage) Evaluate(_ context.Context, c *Candidate, _ *Context) (string, bool, error) {
	if len(c.Commit.GHIssueRefs) == 0 {
		return "", false, nil
	}
	return "The commit message references some github issue: " + strings.Join(c.Commit.GHIssueRefs, ", "), true, nil
}

type bugInMessage struct{}

func (bugInMessage) ID() string { return BugInMessage }

func (bugInMessage) Evaluate(_ context.Context, c *Candidate, _ *Context) (string, bool, error) {
	if len(c.Commit.BugRefs) == 0 {
		return "", false, nil
	}
	return "The commit message references some bug tracking ticket: " + strings.Join(c.Commit.BugRefs, ", "), true, nil
}

type commitHasTwins struct{}

func (commitHasTwins) ID() string { return CommitHasTwins }

func (commitHasTwins) Evaluate(_ context.Context, c *Candidate, _ *Context) (string, bool, error) {
	if len(c.Commit.Twins) == 0 {
		return "", false, nil
	}
	return fmt.Sprintf("This commit has %d twin(s): %s", len(c.Commit.Twins), strings.Join(c.Commit.Twins, ", ")), true, nil
}
