// File: internal/fetch/fetch_test.go
package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

const advisoryPage = `<html><head><title>ignored</title><script>var x = "hidden";</script></head>
<body><h1>Security advisory</h1>
<p>XXE in the parser, fixed by <a href="/acme/parser/commit/abcdef1234">this commit</a>.</p>
<a href="https://github.com/acme/parser/issues/12#comment">issue</a>
<a href="https://github.com/acme/parser/issues/12">issue again</a>
<a href="mailto:security@example.org">mail</a>
<style>p { color: red }</style></body></html>`

func newTestClient(t *testing.T, cfg config.FetchConfig, metrics *observability.Metrics) *Client {
	t.Helper()
	c := NewClient(cfg, nil, zaptest.NewLogger(t), metrics)
	t.Cleanup(c.HTTPClient().CloseIdleConnections)
	return c
}

func TestClient_FetchTextAndLinks(t *testing.T) {
	var hits atomic.Int32
	var userAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, advisoryPage)
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{UserAgent: "fixfinder/test"}, nil)
	ctx := context.Background()

	text, err := c.FetchText(ctx, srv.URL+"/advisory")
	require.NoError(t, err)
	assert.Equal(t, "Security advisory XXE in the parser, fixed by this commit . issue issue again mail", text)
	assert.NotContains(t, text, "hidden")

	links, err := c.FetchLinks(ctx, srv.URL+"/advisory")
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/acme/parser/commit/abcdef1234",
		"https://github.com/acme/parser/issues/12",
	}, links)

	assert.Equal(t, int32(1), hits.Load(), "pages are memoized per URL")
	assert.Equal(t, "fixfinder/test", userAgent.Load())
}

func TestClient_SharedLoadSurvivesCancelledCaller(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, advisoryPage)
	}))
	defer srv.Close()
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()

	c := newTestClient(t, config.FetchConfig{}, nil)
	pageURL := srv.URL + "/advisory"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FetchText(firstCtx, pageURL)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	secondText := make(chan string, 1)
	secondErr := make(chan error, 1)
	go func() {
		text, err := c.FetchText(context.Background(), pageURL)
		secondText <- text
		secondErr <- err
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	unblock()
	require.NoError(t, <-secondErr)
	assert.Contains(t, <-secondText, "Security advisory")
	assert.Equal(t, int32(1), hits.Load(), "waiters share one request")
}

func TestClient_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "<b>not markup</b>")
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{}, nil)
	text, err := c.FetchText(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<b>not markup</b>", text)
}

func TestClient_Decoding(t *testing.T) {
	encoders := map[string]func([]byte) []byte{
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), name)
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", name)
				_, _ = w.Write(encode([]byte("<p>compressed advisory</p>")))
			}))
			defer srv.Close()

			c := newTestClient(t, config.FetchConfig{}, nil)
			text, err := c.FetchText(context.Background(), srv.URL)
			require.NoError(t, err)
			assert.Equal(t, "compressed advisory", text)
		})
	}

	t.Run("unsupported encoding", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write([]byte{0x28, 0xb5, 0x2f, 0xfd})
		}))
		defer srv.Close()

		c := newTestClient(t, config.FetchConfig{}, nil)
		_, err := c.FetchText(context.Background(), srv.URL)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.ExternalFetchFailure))
	})
}

func TestClient_Allowed(t *testing.T) {
	c := newTestClient(t, config.FetchConfig{AllowedHosts: []string{"GitHub.com", " apache.org "}}, nil)
	assert.True(t, c.Allowed("https://github.com/acme/parser"))
	assert.True(t, c.Allowed("https://issues.apache.org/jira/browse/LIB-77"))
	assert.False(t, c.Allowed("https://notgithub.com/acme"))
	assert.False(t, c.Allowed("https://example.org/blog"))
	assert.False(t, c.Allowed("ftp://github.com/acme"))
	assert.False(t, c.Allowed("::not a url"))

	_, err := c.FetchText(context.Background(), "https://example.org/blog")
	assert.True(t, errkind.Is(err, errkind.InvalidInput))

	open := newTestClient(t, config.FetchConfig{}, nil)
	assert.True(t, open.Allowed("http://127.0.0.1:8080/x"))
}

func TestClient_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/large":
			_, _ = w.Write([]byte(strings.Repeat("a", 64)))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	metrics := observability.NewMetrics()
	c := newTestClient(t, config.FetchConfig{MaxBodySize: 32}, metrics)
	ctx := context.Background()

	_, err := c.FetchText(ctx, srv.URL+"/missing")
	assert.True(t, errkind.Is(err, errkind.NotFound))

	_, err = c.FetchText(ctx, srv.URL+"/error")
	assert.True(t, errkind.Is(err, errkind.ExternalFetchFailure))
	assert.Contains(t, err.Error(), "status 502")

	_, err = c.FetchText(ctx, srv.URL+"/large")
	assert.True(t, errkind.Is(err, errkind.ExternalFetchFailure))
	assert.Contains(t, err.Error(), "body limit")

	expected := `
# HELP fixfinder_fetch_failures_total Failed reference, issue or advisory fetches by kind
# TYPE fixfinder_fetch_failures_total counter
fixfinder_fetch_failures_total{kind="page"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "fixfinder_fetch_failures_total"))
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{RateLimit: 0.01, Burst: 1}, nil)
	_, err := c.FetchText(context.Background(), srv.URL+"/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchText(ctx, srv.URL+"/b")
	assert.Error(t, err, "the second request would wait past the deadline")
}

func TestIssueClient_GitHubIssue(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/repos/acme/parser/issues/12":
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"number": 12, "title": "XXE in DocumentParser", "body": "Reported as CVE-2020-1234"}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{}, nil)
	ic := NewIssueClient(c, config.FetchConfig{GitHubToken: "secret"})
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	ic.github.BaseURL = base
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		text, err := ic.GitHubIssue(ctx, "https://github.com/acme/parser.git", "12")
		require.NoError(t, err)
		assert.Equal(t, "XXE in DocumentParser Reported as CVE-2020-1234", text)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err = ic.GitHubIssue(ctx, "https://github.com/acme/parser", "13")
	assert.True(t, errkind.Is(err, errkind.NotFound))

	_, err = ic.GitHubIssue(ctx, "https://github.com/acme/parser", "twelve")
	assert.True(t, errkind.Is(err, errkind.InvalidInput))

	text, err := ic.GitHubIssue(ctx, "https://gitlab.com/acme/parser", "12")
	assert.NoError(t, err)
	assert.Empty(t, text, "only github.com repositories have GitHub issues")
}

func TestIssueClient_BugTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jira/rest/api/2/issue/LIB-77" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "summary,description", r.URL.Query().Get("fields"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"key": "LIB-77", "fields": {"summary": "Entity expansion", "description": "The parser resolves external entities."}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{}, nil)
	ic := NewIssueClient(c, config.FetchConfig{JiraURL: srv.URL + "/jira/"})
	ctx := context.Background()

	text, err := ic.BugTicket(ctx, "lib-77")
	require.NoError(t, err)
	assert.Equal(t, "Entity expansion The parser resolves external entities.", text)

	_, err = ic.BugTicket(ctx, "LIB-78")
	assert.True(t, errkind.Is(err, errkind.NotFound))

	_, err = ic.BugTicket(ctx, "not a ticket")
	assert.True(t, errkind.Is(err, errkind.InvalidInput))

	empty, err := NewIssueClient(c, config.FetchConfig{}).BugTicket(ctx, "LIB-77")
	assert.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGitHubRepository(t *testing.T) {
	owner, repo, ok := githubRepository("https://github.com/acme/parser/")
	assert.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "parser", repo)

	_, _, ok = githubRepository("https://github.com/acme")
	assert.False(t, ok)
}

const nvdBody = `{
  "resultsPerPage": 1,
  "vulnerabilities": [{
    "cve": {
      "id": "CVE-2020-1234",
      "published": "2020-03-02T15:15:11.123",
      "descriptions": [
        {"lang": "es", "value": "XXE en el analizador"},
        {"lang": "en", "value": "XXE in the DocumentParser of Acme Parser before 1.4.2."}
      ],
      "references": [
        {"url": "https://github.com/acme/parser/commit/abcdef1234"},
        {"url": "https://issues.apache.org/jira/browse/LIB-77"}
      ],
      "configurations": [{"nodes": [{"cpeMatch": [
        {"vulnerable": true, "criteria": "cpe:2.3:a:acme:parser:*:*:*:*:*:*:*:*", "versionEndExcluding": "1.4.2"},
        {"vulnerable": true, "criteria": "cpe:2.3:a:acme:parser:*:*:*:*:*:*:*:*", "versionEndIncluding": "1.4.1"},
        {"vulnerable": false, "criteria": "cpe:2.3:o:linux:kernel:*:*:*:*:*:*:*:*", "versionEndIncluding": "9.9"}
      ]}]}]
    }
  }]
}`

func TestNVDClient_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cveId") != "CVE-2020-1234" {
			fmt.Fprint(w, `{"resultsPerPage": 0, "vulnerabilities": []}`)
			return
		}
		fmt.Fprint(w, nvdBody)
	}))
	defer srv.Close()

	c := newTestClient(t, config.FetchConfig{}, nil)
	nvd := NewNVDClient(c, config.FetchConfig{NVDURL: srv.URL + "/rest/json/cves/2.0", NVDAPIKey: "key"})

	entry, err := nvd.Lookup(context.Background(), "CVE-2020-1234")
	require.NoError(t, err)
	assert.Equal(t, "XXE in the DocumentParser of Acme Parser before 1.4.2.", entry.Description)
	assert.Equal(t, time.Date(2020, 3, 2, 15, 15, 11, 123e6, time.UTC).Unix(), entry.Published)
	assert.Equal(t, []string{"1.4.1"}, entry.Affected)
	assert.Equal(t, []string{"1.4.2"}, entry.Fixed)
	assert.Equal(t, []string{"parser"}, entry.Products)
	assert.Len(t, entry.References, 2)

	_, err = nvd.Lookup(context.Background(), "CVE-1999-0001")
	assert.True(t, errkind.Is(err, errkind.NotFound))
}
