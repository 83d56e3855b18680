// File: internal/fetch/issues.go
package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

var (
	githubRepoRegex = regexp.MustCompile(`^/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	ticketIDRegex   = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+$`)
)

// IssueClient fetches GitHub issues and Jira tickets linked from commit
// messages. It implements schemas.IssueFetcher and memoizes successful
// lookups for the lifetime of the process.
type IssueClient struct {
	github  *github.Client
	client  *Client
	jiraURL string
	logger  *zap.Logger

	mu   sync.Mutex
	memo map[string]string
}

// NewIssueClient shares client's transport, so issue lookups count against
// the same rate limit as reference pages.
func NewIssueClient(client *Client, cfg config.FetchConfig) *IssueClient {
	gh := github.NewClient(client.HTTPClient())
	if cfg.GitHubToken != "" {
		gh = gh.WithAuthToken(cfg.GitHubToken)
	}
	return &IssueClient{
		github:  gh,
		client:  client,
		jiraURL: strings.TrimRight(cfg.JiraURL, "/"),
		logger:  client.logger.Named("issues"),
		memo:    make(map[string]string),
	}
}

// GitHubIssue returns "title body" of issue number of the repository. A
// repository not hosted on github.com yields empty content.
func (ic *IssueClient) GitHubIssue(ctx context.Context, repositoryURL, number string) (string, error) {
	owner, repo, ok := githubRepository(repositoryURL)
	if !ok {
		return "", nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(number, "#"))
	if err != nil || n <= 0 {
		return "", errkind.Errorf(errkind.InvalidInput, "fetch.GitHubIssue", "invalid issue number %q", number)
	}

	key := "gh:" + owner + "/" + repo + "#" + strconv.Itoa(n)
	if text, ok := ic.cached(key); ok {
		return text, nil
	}

	issue, resp, err := ic.github.Issues.Get(ctx, owner, repo, n)
	if err != nil {
		ic.client.metrics.FetchFailure("github")
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", errkind.Errorf(errkind.NotFound, "fetch.GitHubIssue", "issue %s/%s#%d not found", owner, repo, n)
		}
		return "", errkind.Wrap(errkind.ExternalFetchFailure, "fetch.GitHubIssue", err)
	}

	text := joinNonEmpty(issue.GetTitle(), issue.GetBody())
	ic.store(key, text)
	return text, nil
}

// jiraIssue is the subset of the Jira REST v2 issue representation we read.
type jiraIssue struct {
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
	} `json:"fields"`
}

// BugTicket returns "summary description" of a Jira ticket such as "LIB-77".
func (ic *IssueClient) BugTicket(ctx context.Context, id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !ticketIDRegex.MatchString(id) {
		return "", errkind.Errorf(errkind.InvalidInput, "fetch.BugTicket", "invalid ticket id %q", id)
	}
	if ic.jiraURL == "" {
		return "", nil
	}

	key := "jira:" + id
	if text, ok := ic.cached(key); ok {
		return text, nil
	}

	endpoint := ic.jiraURL + "/rest/api/2/issue/" + url.PathEscape(id) + "?fields=summary,description"
	var issue jiraIssue
	if err := ic.client.GetJSON(ctx, endpoint, nil, &issue); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		ic.client.metrics.FetchFailure("jira")
		ic.logger.Debug("Ticket fetch failed", zap.String("ticket", id), zap.Error(err))
		return "", err
	}

	text := joinNonEmpty(issue.Fields.Summary, issue.Fields.Description)
	ic.store(key, text)
	return text, nil
}

func (ic *IssueClient) cached(key string) (string, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	text, ok := ic.memo[key]
	return text, ok
}

func (ic *IssueClient) store(key, text string) {
	ic.mu.Lock()
	ic.memo[key] = text
	ic.mu.Unlock()
}

// githubRepository splits a github.com repository URL into owner and name.
func githubRepository(repositoryURL string) (string, string, bool) {
	u, err := url.Parse(strings.TrimSpace(repositoryURL))
	if err != nil || !strings.EqualFold(u.Hostname(), "github.com") {
		return "", "", false
	}
	m := githubRepoRegex.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
