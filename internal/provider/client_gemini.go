package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"cartbot/internal/config"
	"cartbot/internal/logging"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GeminiClient calls the Gemini API through the official genai SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    config.ProviderConfig
}

// NewGeminiClient creates a Gemini client for one configured model.
func NewGeminiClient(cfg config.ProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

func (c *GeminiClient) Provider() string { return c.cfg.Name }
func (c *GeminiClient) Model() string    { return c.cfg.Model }

// Complete sends one completion request.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	logging.ProviderDebug("[Gemini] Complete: model=%s system_len=%d prompt_len=%d json=%v",
		c.cfg.Model, len(req.System), len(req.Prompt), req.ForceJSON)

	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	temp := float32(req.Temperature)
	genCfg.Temperature = &temp
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, genCfg)
	if err != nil {
		logging.ProviderWarn("[Gemini] Complete: model=%s failed after %v: %v", c.cfg.Model, time.Since(start), err)
		return Response{}, fmt.Errorf("gemini call failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return Response{}, fmt.Errorf("gemini returned empty completion")
	}

	resp := Response{
		Text:      text,
		Provider:  c.cfg.Name,
		Model:     c.cfg.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	logging.Provider("[Gemini] Complete: model=%s done in %v tokens=%d/%d",
		c.cfg.Model, time.Since(start), resp.InputTokens, resp.OutputTokens)
	return resp, nil
}
