// File: internal/service/components.go
package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/orchestrator"
)

// Components holds all the initialized services required for a search.
// This struct centralizes the lifecycle management of their dependencies.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	Cache        schemas.CommitCache
	Classifier   schemas.Classifier
	Metrics      *observability.Metrics

	// stopMetrics stops the metrics endpoint, if one was started.
	stopMetrics context.CancelFunc
	// metricsWG waits for the metrics server goroutine.
	metricsWG *sync.WaitGroup

	shutdownOnce sync.Once
}

// Shutdown releases every component in reverse order of creation. It is safe
// to call on partially initialized components and more than once.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger := observability.GetLogger()
		logger.Debug("Beginning components shutdown sequence.")

		// 1. The remote classifier holds no work beyond a run.
		if c.Classifier != nil {
			if err := c.Classifier.Close(); err != nil {
				logger.Warn("Error closing classifier.", zap.Error(err))
			}
		}

		// 2. Close the commit cache connection.
		if c.Cache != nil {
			if err := c.Cache.Close(); err != nil {
				logger.Warn("Error closing commit cache.", zap.Error(err))
			} else {
				logger.Debug("Commit cache closed.")
			}
		}

		// 3. Stop serving metrics last so the final run is still scrapeable until now.
		if c.stopMetrics != nil {
			c.stopMetrics()
			if c.metricsWG != nil {
				c.metricsWG.Wait()
			}
			logger.Debug("Metrics endpoint stopped.")
		}

		logger.Debug("All components shut down.")
	})
}
