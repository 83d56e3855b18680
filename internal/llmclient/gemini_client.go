// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

const (
	defaultModel = "gemini-2.5-flash"
	// maxDiffChars bounds the diff excerpt sent with each prompt.
	maxDiffChars = 12000
)

const systemPrompt = "You classify source code commits. Answer with a single word: True or False."

// GeminiClassifier implements schemas.Classifier on the Gemini API.
type GeminiClassifier struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	gen     *genai.GenerateContentConfig
	logger  *zap.Logger
}

// NewGeminiClassifier initializes the client. httpClient may be nil.
func NewGeminiClassifier(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client, logger *zap.Logger) (*GeminiClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	gen := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(cfg.Temperature),
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		// The answer is one word; spending the budget on thoughts would truncate it.
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	}
	if cfg.MaxTokens > 0 {
		gen.MaxOutputTokens = int32(cfg.MaxTokens)
	}

	return &GeminiClassifier{
		client:  client,
		model:   model,
		timeout: cfg.APITimeout,
		gen:     gen,
		logger:  logger.Named("llm_client.gemini"),
	}, nil
}

// IsSecurityFix asks the model whether commit is security relevant.
// A request the API rejects as malformed, typically an oversized diff, is
// answered with false rather than an error.
func (c *GeminiClassifier) IsSecurityFix(ctx context.Context, advisory *schemas.AdvisoryRecord, commit *schemas.CommitRecord) (bool, error) {
	if commit == nil {
		return false, errkind.New(errkind.InvalidInput, "llm.classify", "commit is nil")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(BuildPrompt(advisory, commit)), c.gen)
	if err != nil {
		if statusOf(err) == http.StatusBadRequest {
			c.logger.Debug("Classifier rejected the prompt, treating as not relevant",
				zap.String("commit", commit.ID), zap.Error(err))
			return false, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return false, err
		}
		return false, errkind.Wrap(errkind.ExternalFetchFailure, "llm.classify", err)
	}

	fields := []zap.Field{zap.String("commit", commit.ShortID()), zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount))
	}
	c.logger.Debug("LLM classification complete (Gemini)", fields...)

	return ParseAnswer(resp.Text())
}

// Close is a no-op; the genai client holds no resources of its own.
func (c *GeminiClassifier) Close() error { return nil }

// BuildPrompt renders the zero-shot classification prompt.
func BuildPrompt(advisory *schemas.AdvisoryRecord, commit *schemas.CommitRecord) string {
	var b strings.Builder
	b.WriteString("Is the following commit security relevant or not?\n")
	b.WriteString("Please provide the output as a boolean value, either True or False.\n")
	b.WriteString("If it is security relevant just answer True otherwise answer False. Do not return anything else.\n\n")

	repo := commit.Repository
	if repo == "" && advisory != nil {
		repo = advisory.RepositoryURL
	}
	fmt.Fprintf(&b, "To provide you with some context, the name of the repository is: %s, and the\n", repositoryName(repo))
	fmt.Fprintf(&b, "commit message is: %s.\n\n", strings.TrimSpace(commit.Message))

	b.WriteString("Finally, here is the diff of the commit:\n")
	diff := strings.Join(commit.Diff, "\n")
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars]
	}
	b.WriteString(diff)
	b.WriteString("\n\n\nYour answer:\n")
	return b.String()
}

// ParseAnswer maps the model output to a verdict.
func ParseAnswer(text string) (bool, error) {
	switch {
	case strings.Contains(text, "True"):
		return true, nil
	case strings.Contains(text, "False"):
		return false, nil
	default:
		return false, errkind.Errorf(errkind.ExternalFetchFailure, "llm.classify", "the model returned an invalid response: %q", text)
	}
}

func repositoryName(url string) string {
	url = strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
