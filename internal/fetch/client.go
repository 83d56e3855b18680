// File: internal/fetch/client.go
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 5 << 20
)

// Client is the rate limited HTTP client shared by every outbound fetch of
// a process. It implements schemas.ContentFetcher for reference pages and
// memoizes parsed pages per URL for its lifetime.
type Client struct {
	http    *http.Client
	timeout time.Duration
	maxBody int64
	allowed []string
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	pages map[string]*page
	group singleflight.Group
}

// NewClient builds a Client from the fetch configuration. A nil transport
// uses http.DefaultTransport.
func NewClient(cfg config.FetchConfig, transport http.RoundTripper, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	rt := &limitedTransport{
		next:    newDecodingTransport(transport, cfg.UserAgent),
		limiter: rate.NewLimiter(limit, burst),
	}

	allowed := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed = append(allowed, h)
		}
	}

	return &Client{
		http:    &http.Client{Transport: rt, Timeout: timeout},
		timeout: timeout,
		maxBody: maxBody,
		allowed: allowed,
		logger:  logger.Named("fetch"),
		metrics: metrics,
		pages:   make(map[string]*page),
	}
}

// HTTPClient exposes the underlying client so API wrappers share the
// limiter and decoding.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Allowed reports whether rawURL may be crawled. An empty allow list admits
// every http(s) URL. Subdomains of an allowed host are admitted too.
func (c *Client) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(c.allowed) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.allowed {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// FetchText returns the visible text of the page at rawURL.
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	p, err := c.page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return p.text, nil
}

// FetchLinks returns the absolute links of the page at rawURL.
func (c *Client) FetchLinks(ctx context.Context, rawURL string) ([]string, error) {
	p, err := c.page(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), p.links...), nil
}

func (c *Client) page(ctx context.Context, rawURL string) (*page, error) {
	if !c.Allowed(rawURL) {
		return nil, errkind.Errorf(errkind.InvalidInput, "fetch.page", "host of %s is not allowed", rawURL)
	}

	c.mu.RLock()
	p, ok := c.pages[rawURL]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	// The load is shared by every waiter on rawURL: it outlives any one
	// caller's cancellation and is bounded by the client timeout instead.
	ch := c.group.DoChan(rawURL, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.loadPage(lctx, rawURL)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*page), nil
	}
}

func (c *Client) loadPage(ctx context.Context, rawURL string) (*page, error) {
	body, header, err := c.get(ctx, rawURL, nil)
	if err != nil {
		c.metrics.FetchFailure("page")
		c.logger.Debug("Reference fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}

	var p *page
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if mediaType == "" || strings.Contains(mediaType, "html") {
		base, _ := url.Parse(rawURL)
		p, err = parsePage(bytes.NewReader(body), base)
		if err != nil {
			return nil, errkind.Wrap(errkind.ExternalFetchFailure, "fetch.page", err)
		}
	} else {
		p = &page{text: string(body)}
	}

	c.mu.Lock()
	c.pages[rawURL] = p
	c.mu.Unlock()
	return p, nil
}

// GetJSON fetches rawURL and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "application/json"
	}
	body, _, err := c.get(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errkind.Wrap(errkind.ExternalFetchFailure, "fetch.GetJSON", fmt.Errorf("decode %s: %w", rawURL, err))
	}
	return nil
}

// get performs a GET and reads at most maxBody bytes. Non-2xx statuses are
// ExternalFetchFailure errors, except 404 which is NotFound.
func (c *Client) get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.InvalidInput, "fetch.get", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errkind.Wrap(errkind.ExternalFetchFailure, "fetch.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, errkind.Errorf(errkind.NotFound, "fetch.get", "%s returned 404", rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, errkind.Errorf(errkind.ExternalFetchFailure, "fetch.get", "%s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.ExternalFetchFailure, "fetch.get", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, nil, errkind.Errorf(errkind.ExternalFetchFailure, "fetch.get", "%s exceeds the %d byte body limit", rawURL, c.maxBody)
	}
	return body, resp.Header, nil
}

// limitedTransport waits on a shared limiter before every request.
type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
