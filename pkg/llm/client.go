// Package llm provides the completion client behind the LLM-backed
// structure extractor. It speaks the OpenAI-style chat-completions
// protocol so local and hosted backends are interchangeable.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client produces one completion for one prompt. Implementations must be
// safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config holds configuration for the completion client
type Config struct {
	Endpoint    string        `json:"endpoint"`
	APIKey      string        `json:"-"`
	Model       string        `json:"model"`
	Timeout     time.Duration `json:"timeout"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	RetryDelay  time.Duration `json:"retry_delay"` // Wait before the single retry
}

// DefaultConfig returns the default completion client configuration
func DefaultConfig() *Config {
	return &Config{
		Endpoint:    "http://localhost:8081/v1/chat/completions",
		Model:       "gpt-4o-mini",
		Timeout:     60 * time.Second,
		MaxTokens:   1000,
		Temperature: 0.1,
		RetryDelay:  1 * time.Second,
	}
}

const systemPrompt = "You are a research assistant that extracts structured information from academic papers."

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the chat-completions reply we consume.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPClient is the production Client. One POST per completion, with a
// single retry on transient upstream failures (5xx and 429).
type HTTPClient struct {
	config     *Config
	logger     *slog.Logger
	httpClient *http.Client
}

// NewHTTPClient creates a completion client. A nil config uses defaults.
func NewHTTPClient(config *Config, logger *slog.Logger) *HTTPClient {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultConfig().Endpoint
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 1 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		config: config,
		logger: logger.With("component", "llm-client"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Complete sends the prompt to the chat-completions endpoint and returns
// the first choice's content.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	content, retryable, err := c.complete(ctx, prompt)
	if err == nil {
		return content, nil
	}
	if !retryable {
		return "", err
	}

	c.logger.Warn("Completion request failed, retrying once", "endpoint", c.config.Endpoint, "error", err)

	timer := time.NewTimer(c.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}

	content, _, err = c.complete(ctx, prompt)
	return content, err
}

// complete performs one request. The second return value reports whether
// the failure is worth a retry.
func (c *HTTPClient) complete(ctx context.Context, prompt string) (string, bool, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("completion request to %s failed: %w", c.config.Endpoint, err)
	}
	defer resp.Body.Close() // #nosec G307

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", true, fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retryable, fmt.Errorf("completion endpoint %s returned status %d: %s",
			c.config.Endpoint, resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("completion response from %s has no choices", c.config.Endpoint)
	}

	c.logger.Debug("Completion received",
		"endpoint", c.config.Endpoint,
		"model", c.config.Model,
		"total_tokens", parsed.Usage.TotalTokens,
	)

	return parsed.Choices[0].Message.Content, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
