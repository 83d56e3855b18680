// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/internal/advisory"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/engine"
	"github.com/xkilldash9x/fixfinder/internal/fetch"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/orchestrator"
	"github.com/xkilldash9x/fixfinder/internal/provision"
	"github.com/xkilldash9x/fixfinder/internal/rules"
)

// ComponentFactory defines the interface for creating the set of components
// needed for a search. This abstraction keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of search components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("config and logger are required")
	}
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Metrics
	metrics := observability.NewMetrics()
	components.Metrics = metrics
	if addr := cfg.Metrics().ListenAddr; addr != "" {
		components.stopMetrics, components.metricsWG = StartMetricsServer(ctx, metrics, addr, logger)
	}

	// 2. Commit cache
	cache, err := InitializeCache(ctx, cfg.Cache(), logger, metrics)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Cache = cache
	logger.Debug("Commit cache initialized.")

	// 3. Outbound HTTP: references, issues and the advisory database share one limiter.
	fetchCfg := cfg.Fetch()
	client := fetch.NewClient(fetchCfg, nil, logger, metrics)
	issues := fetch.NewIssueClient(client, fetchCfg)

	var nvd advisory.NVDSource
	if fetchCfg.NVDURL != "" {
		nvd = fetch.NewNVDClient(client, fetchCfg)
	}
	var pages advisory.PageSource
	if cfg.Rules().FetchReferences {
		pages = client
	}
	advisories := advisory.NewBuilder(nvd, pages, cfg.Mining().RelevantExtensions, logger)
	logger.Debug("Advisory builder initialized.")

	// 4. Working copies
	repos, err := provision.New(cfg.Git(), cfg.Engine().WorkerConcurrency, fetchCfg.GitHubToken, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize repository provisioning: %w", err)
		return nil, initializationErr
	}

	// 5. Mining engine
	miner, err := engine.New(cfg.Engine(), logger, metrics)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize mining engine: %w", err)
		return nil, initializationErr
	}

	// 6. Rules
	rulesCfg := cfg.Rules()
	registry, err := rules.NewRegistry(rulesCfg.Weights)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build rule registry: %w", err)
		return nil, initializationErr
	}
	scorer, err := rules.NewEngine(registry, rules.EngineConfig{
		Active:      rulesCfg.Enabled,
		TopK:        rulesCfg.TopK,
		Concurrency: cfg.Engine().WorkerConcurrency,
		Phase2:      rulesCfg.Phase2Enabled,
	}, logger, metrics)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize rule engine: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Rule engine initialized.", zap.Strings("rules", scorer.ActiveRules()))

	// 7. Phase-2 classifier
	classifier, err := InitializeClassifier(ctx, cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Classifier = classifier

	// 8. Orchestrator
	deps := orchestrator.Dependencies{
		Advisories: advisories,
		Repos:      repos,
		Miner:      miner,
		Scorer:     scorer,
		Cache:      cache,
		Issues:     issues,
		Classifier: classifier,
		Metrics:    metrics,
	}
	orch, err := orchestrator.New(cfg, logger, deps)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Info("All components initialized successfully.")
	return components, nil
}
