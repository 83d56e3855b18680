// File: internal/observability/metrics.go
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "fixfinder"

// Metrics holds the pipeline's Prometheus collectors.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	commitsMined  prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	gitFailures   *prometheus.CounterVec
	ruleMatches   *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commitsMined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_mined_total",
			Help:      "Total number of commits turned into commit records",
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Commit cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
		gitFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "git_failures_total",
			Help:      "Failed or timed out git invocations by subcommand",
		}, []string{"command"}),
		ruleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_matches_total",
			Help:      "Rule matches by rule id",
		}, []string{"rule"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_failures_total",
			Help:      "Failed reference, issue or advisory fetches by kind",
		}, []string{"kind"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a single advisory run in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"outcome"}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CommitMined() {
	if m != nil {
		m.commitsMined.Inc()
	}
}

// CacheLookup records hits and misses of one batched lookup.
func (m *Metrics) CacheLookup(hits, misses int) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Add(float64(hits))
	m.cacheLookups.WithLabelValues("miss").Add(float64(misses))
}

func (m *Metrics) CacheError() {
	if m != nil {
		m.cacheLookups.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) GitFailure(command string) {
	if m != nil {
		m.gitFailures.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) RuleMatch(ruleID string) {
	if m != nil {
		m.ruleMatches.WithLabelValues(ruleID).Inc()
	}
}

func (m *Metrics) FetchFailure(kind string) {
	if m != nil {
		m.fetchFailures.WithLabelValues(kind).Inc()
	}
}

// ObserveRun records the duration of one run. outcome is "ok", "partial" or "error".
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m != nil {
		m.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics.", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
