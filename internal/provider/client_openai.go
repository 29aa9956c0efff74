package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cartbot/internal/config"
	"cartbot/internal/logging"
)

// =============================================================================
// OPENAI-COMPATIBLE HTTP CLIENT
// =============================================================================

// OpenAIClient speaks the chat-completions wire format, which also covers
// compatible self-hosted gateways via BaseURL.
type OpenAIClient struct {
	cfg        config.ProviderConfig
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAIClient creates a client for one configured model.
func NewOpenAIClient(cfg config.ProviderConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *OpenAIClient) Provider() string { return c.cfg.Name }
func (c *OpenAIClient) Model() string    { return c.cfg.Model }

// Complete sends one completion request with retry on transient failures.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	// Auto-apply timeout if context has no deadline (centralized timeout handling)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	body := openAIRequest{
		Model:       c.cfg.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	if req.ForceJSON {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return Response{}, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("transient API error (%d)", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return Response{}, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
		}

		var parsed openAIResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return Response{}, fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return Response{}, fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return Response{}, fmt.Errorf("no completion returned")
		}

		text := strings.TrimSpace(parsed.Choices[0].Message.Content)
		logging.Provider("[OpenAI] Complete: model=%s done in %v tokens=%d/%d",
			c.cfg.Model, time.Since(start), parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
		return Response{
			Text:         text,
			Provider:     c.cfg.Name,
			Model:        c.cfg.Model,
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			LatencyMs:    time.Since(start).Milliseconds(),
		}, nil
	}

	logging.ProviderWarn("[OpenAI] Complete: model=%s max retries exceeded after %v: %v", c.cfg.Model, time.Since(start), lastErr)
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
