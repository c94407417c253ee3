// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
)

// contentGenerator is the part of the genai Models service the client calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements schemas.LLMClient on top of the Google Gen AI SDK.
type GeminiClient struct {
	models     contentGenerator
	logger     *zap.Logger
	config     config.PlannerConfig
	newBackOff func() backoff.BackOff
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.PlannerConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("Gemini model name is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.PlannerConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models: models,
		config: cfg,
		logger: logger.Named("llm_client.gemini"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Generate sends the prompts to Gemini and returns the generated text, retrying transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.UserPrompt}}}}
	genConfig := c.buildConfig(req)

	var responseContent string
	operation := func() error {
		callCtx := ctx
		if c.config.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
			defer cancel()
		}

		startTime := time.Now()
		resp, err := c.models.GenerateContent(callCtx, c.config.Model, contents, genConfig)
		duration := time.Since(startTime)
		if err != nil {
			return c.classifyError(ctx, err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := resp.Candidates[0]
		text := candidateText(candidate)
		if text == "" {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		fields := []zap.Field{zap.Duration("duration", duration), zap.String("model", c.config.Model)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		responseContent = text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *GeminiClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := req.Options.Temperature
	gc := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(c.config.MaxOutputTokens),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

// classifyError decides whether a failed call is worth retrying.
func (c *GeminiClient) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		wrapped := fmt.Errorf("gemini API error: status %d: %w", apiErr.Code, err)
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
			return wrapped
		default:
			return backoff.Permanent(wrapped)
		}
	}
	c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return fmt.Errorf("gemini request failed: %w", err)
}

// candidateText joins the non-thought text parts of a candidate.
func candidateText(cand *genai.Candidate) string {
	if cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
