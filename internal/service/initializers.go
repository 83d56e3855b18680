// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/llmclient"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/store"
)

// InitializeCache opens the configured commit cache. Depending on the cache
// mode an unreachable backend is either an error or a no-op cache.
func InitializeCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.CommitCache, error) {
	cache, err := store.Open(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize commit cache: %w", err)
	}
	return cache, nil
}

// InitializeClassifier creates the phase-2 classifier. It returns nil when the
// second phase is disabled.
func InitializeClassifier(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Classifier, error) {
	classifier, err := llmclient.NewClassifier(ctx, cfg.LLM(), cfg.Rules().Phase2Enabled, nil, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM classifier. Disable the second rule phase or fix the llm section.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM classifier: %w", err)
	}
	if classifier == nil && cfg.Rules().Phase2Enabled {
		logger.Warn("Second rule phase enabled without an LLM provider; it will be skipped.")
	}
	return classifier, nil
}

// StartMetricsServer serves metrics on addr in the background. The returned
// function stops the server and waits for it to exit.
func StartMetricsServer(ctx context.Context, metrics *observability.Metrics, addr string, logger *zap.Logger) (context.CancelFunc, *sync.WaitGroup) {
	serveCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(serveCtx, addr, logger); err != nil {
			logger.Error("Metrics endpoint failed.", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return cancel, wg
}
