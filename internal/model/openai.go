// Package model provides the hosted-model transport used by the
// judgment engine. It speaks the OpenAI chat-completion protocol, so
// any OpenRouter-compatible endpoint works.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type Config struct {
	BaseURL        string
	APIKey         string
	Name           string
	TimeoutSeconds int
	Referer        string
	Title          string
}

type Client struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model api key not set")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("model name not set")
	}
	if log == nil {
		log = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			referer: cfg.Referer,
			title:   cfg.Title,
		},
	}

	log.Info("initializing model client", "model", cfg.Name, "base_url", clientCfg.BaseURL)
	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Name,
		log:    log,
	}, nil
}

// Unavailable is the transport for deployments without model access:
// deterministic rules still work, model-backed fields surface a
// transport error.
type Unavailable struct{}

func (Unavailable) Invoke(ctx context.Context, system, user string) (string, error) {
	return "", fmt.Errorf("model transport not configured")
}

// Invoke performs exactly one chat completion. No retries here: an
// ambiguous model call retried silently would change audit semantics.
func (c *Client) Invoke(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.log.Error("model call failed", "error", err)
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	c.log.Debug("model reply received", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
