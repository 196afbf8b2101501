// Package llmclient implements the chat(messages) -> string interface
// the reply pipeline calls (spec.md §6). Grounded on
// internal/llm/anthropic.go's non-streaming request/response shape,
// trimmed to the single synchronous call this core needs: no tool use,
// no streaming, no retries (the core performs none per spec.md §6).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/httpkit"
	"github.com/nugget/chatwarden/internal/promptbuilder"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 1024
)

// Client is the interface the reply pipeline depends on. Defined here
// (rather than in replypipeline) so alternate or stub implementations
// can satisfy it without importing the orchestration core.
type Client interface {
	Chat(ctx context.Context, messages []promptbuilder.Message) (string, error)
}

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client using cfg's API key and model.
func NewAnthropicClient(cfg config.AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

// Chat sends messages (system + user, per promptbuilder.Build) and
// returns the assistant's text reply.
func (c *AnthropicClient) Chat(ctx context.Context, messages []promptbuilder.Message) (string, error) {
	var system string
	var converted []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		converted = append(converted, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	req := anthropicRequest{
		Model:     c.model,
		Messages:  converted,
		System:    system,
		MaxTokens: defaultMaxTokens,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("anthropic API error", "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	c.logger.Debug("response received", "stop_reason", parsed.StopReason, "len", len(text))
	return text, nil
}
