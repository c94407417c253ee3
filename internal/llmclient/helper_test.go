package llmclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/handrail/internal/config"
)

// fakeModels replays scripted responses in order, repeating the last one.
type fakeModels struct {
	mu      sync.Mutex
	steps   []fakeStep
	calls   int
	model   string
	configs []*genai.GenerateContentConfig
	prompts []string
}

type fakeStep struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.configs = append(f.configs, cfg)
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompts = append(f.prompts, contents[0].Parts[0].Text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := f.calls - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].resp, f.steps[idx].err
}

func (f *fakeModels) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidPlannerConfig returns a valid PlannerConfig for testing purposes.
func getValidPlannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		Provider:        config.ProviderGemini,
		APIKey:          "test-api-key",
		Model:           "test-model",
		APITimeout:      5 * time.Second,
		Temperature:     0.2,
		MaxOutputTokens: 2048,
	}
}

// newTestClient wires a GeminiClient to a fake with a fast, bounded retry policy.
func newTestClient(t *testing.T, fake *fakeModels) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	logger, logs := setupTestLogger(t)
	c := newGeminiClient(fake, getValidPlannerConfig(), logger)
	c.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return c, logs
}
