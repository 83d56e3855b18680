package llmclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

// -- Test Setup Helpers --

type generateRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

func (r generateRequest) prompt() string {
	var b strings.Builder
	for _, c := range r.Contents {
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func answer(text string) string {
	return `{"candidates":[{"content":{"role":"model","parts":[{"text":` + jsonString(text) + `}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":1,"totalTokenCount":121}}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// setupGeminiClassifier points a classifier at a mock Gemini endpoint.
func setupGeminiClassifier(t *testing.T, handler http.HandlerFunc) *GeminiClassifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL + "/"

	c, err := NewGeminiClassifier(context.Background(), cfg, server.Client(), logger)
	require.NoError(t, err, "NewGeminiClassifier initialization failed")
	return c
}

// -- Test Cases --

func TestNewGeminiClassifier_Validation(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.APIKey = ""
	_, err := NewGeminiClassifier(context.Background(), cfg, nil, logger)
	assert.EqualError(t, err, "gemini API key is required")

	_, err = NewGeminiClassifier(context.Background(), getValidLLMConfig(), nil, nil)
	assert.EqualError(t, err, "logger cannot be nil")
}

func TestGeminiClassifier_IsSecurityFix(t *testing.T) {
	var calls atomic.Int32
	var captured generateRequest
	c := setupGeminiClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, answer("True"))
	})

	ok, err := c.IsSecurityFix(context.Background(), &schemas.AdvisoryRecord{VulnID: "CVE-2020-1234"}, testCommit())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())

	prompt := captured.prompt()
	assert.Contains(t, prompt, "the name of the repository is: parser")
	assert.Contains(t, prompt, "Disable external entities in DocumentParser")
	assert.Contains(t, prompt, "+    factory.setFeature(DISALLOW_DOCTYPE, true);")
}

func TestGeminiClassifier_Answers(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{name: "false", status: http.StatusOK, body: answer("False."), want: false},
		{name: "invalid answer", status: http.StatusOK, body: answer("It depends"), wantErr: true},
		{
			name:   "oversized prompt is not relevant",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"Request payload size exceeds the limit","status":"INVALID_ARGUMENT"}}`,
			want:   false,
		},
		{
			name:    "permission denied",
			status:  http.StatusForbidden,
			body:    `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupGeminiClassifier(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := c.IsSecurityFix(context.Background(), nil, testCommit())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errkind.Is(err, errkind.ExternalFetchFailure), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGeminiClassifier_NilCommit(t *testing.T) {
	c := setupGeminiClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.IsSecurityFix(context.Background(), nil, nil)
	assert.True(t, errkind.Is(err, errkind.InvalidInput))
}

func TestBuildPrompt_TruncatesDiff(t *testing.T) {
	commit := testCommit()
	commit.Repository = ""
	commit.Diff = []string{strings.Repeat("+x", maxDiffChars)}

	prompt := BuildPrompt(&schemas.AdvisoryRecord{RepositoryURL: "https://gitbox.apache.org/repos/asf/struts/"}, commit)
	assert.Contains(t, prompt, "the name of the repository is: struts,")
	assert.Less(t, len(prompt), maxDiffChars+1000)
	assert.True(t, strings.HasSuffix(prompt, "Your answer:\n"))
}

func TestParseAnswer(t *testing.T) {
	ok, err := ParseAnswer("True")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ParseAnswer("  False\n")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ParseAnswer("yes")
	assert.Error(t, err)
}

func TestNewClassifier(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	c, err := NewClassifier(ctx, getValidLLMConfig(), false, nil, logger)
	require.NoError(t, err)
	assert.Nil(t, c, "phase 2 disabled")

	none := getValidLLMConfig()
	none.Provider = config.ProviderNone
	c, err = NewClassifier(ctx, none, true, nil, logger)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewClassifier(ctx, getValidLLMConfig(), true, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &GeminiClassifier{}, c)

	bad := getValidLLMConfig()
	bad.Provider = "openai"
	_, err = NewClassifier(ctx, bad, true, nil, logger)
	assert.ErrorContains(t, err, "unknown or unsupported LLM provider configured: 'openai'")

	missingKey := getValidLLMConfig()
	missingKey.APIKey = ""
	c, err = NewClassifier(ctx, missingKey, true, nil, logger)
	assert.Error(t, err)
	assert.Nil(t, c)
}
