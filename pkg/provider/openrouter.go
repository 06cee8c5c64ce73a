package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig holds connection settings for the OpenRouter client.
type OpenRouterConfig struct {
	APIKey string
	// Models is the ordered fallback chain. A model that rate-limits or
	// fails at the transport level hands off to the next one.
	Models     []string
	EmbedModel string // e.g. "openai/text-embedding-3-small"
	BaseURL    string
	Referer    string
	Title      string
}

// OpenRouterClient talks to the OpenRouter chat-completions and embeddings
// endpoints over net/http.
type OpenRouterClient struct {
	cfg  OpenRouterConfig
	http *http.Client
}

func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &OpenRouterClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 120 * time.Second},
	}
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Complete runs the fallback chain: a 429 or a transport failure moves on
// to the next model, any other non-OK status aborts immediately so a bad
// request is not replayed against every model.
func (c *OpenRouterClient) Complete(ctx context.Context, messages []Message, p Params) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoCredential
	}
	if len(c.cfg.Models) == 0 {
		return "", fmt.Errorf("provider: no models configured")
	}

	var lastErr error
	for _, model := range c.cfg.Models {
		content, retryable, err := c.completeOne(ctx, model, messages, p)
		if err == nil {
			return content, nil
		}
		if !retryable {
			return "", err
		}
		log.Printf("[Provider] model %s failed, trying next: %v", model, err)
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (c *OpenRouterClient) completeOne(ctx context.Context, model string, messages []Message, p Params) (content string, retryable bool, err error) {
	req := completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	if p.JSONObject {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, status, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, err
	}
	if status == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("provider: HTTP 429: %s", truncateBody(body))
	}
	if status < 200 || status >= 300 {
		return "", false, fmt.Errorf("provider: HTTP %d: %s", status, truncateBody(body))
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false, fmt.Errorf("provider: parse response: %w", err)
	}
	if resp.Error != nil {
		return "", false, fmt.Errorf("provider: API error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", true, fmt.Errorf("provider: empty completion from %s", model)
	}
	return resp.Choices[0].Message.Content, false, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text using the configured model.
func (c *OpenRouterClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoCredential
	}
	if c.cfg.EmbedModel == "" {
		return nil, fmt.Errorf("provider: no embedding model configured")
	}

	body, status, err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.cfg.EmbedModel,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("provider: HTTP %d: %s", status, truncateBody(body))
	}

	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("provider: parse embedding response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("provider: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenRouterClient) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("provider: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

var _ Client = (*OpenRouterClient)(nil)
