package llmclient

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns a valid LLMConfig for testing purposes.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0,
		MaxTokens:   16,
	}
}

func testCommit() *schemas.CommitRecord {
	return &schemas.CommitRecord{
		ID:         "a4f9c2e1d0b3a4f9c2e1d0b3a4f9c2e1d0b3a4f9",
		Repository: "https://github.com/acme/parser.git",
		Message:    "Disable external entities in DocumentParser\n\nFixes #12",
		Diff: []string{
			"--- a/src/DocumentParser.java",
			"+++ b/src/DocumentParser.java",
			"-    factory.setExpandEntityReferences(true);",
			"+    factory.setFeature(DISALLOW_DOCTYPE, true);",
		},
	}
}
