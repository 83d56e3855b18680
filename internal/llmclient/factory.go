// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
)

// NewClassifier creates the phase-2 classifier described by cfg. It returns
// nil, nil when phase 2 is disabled or no provider is configured.
func NewClassifier(ctx context.Context, cfg config.LLMConfig, enabled bool, httpClient *http.Client, logger *zap.Logger) (schemas.Classifier, error) {
	if !enabled {
		return nil, nil
	}

	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderGemini:
		c, err := NewGeminiClassifier(ctx, cfg, httpClient, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
