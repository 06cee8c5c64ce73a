// Package provider wraps chat-completion and embedding backends behind a
// small interface so the memory engine never talks HTTP directly.
package provider

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoCredential means the client was constructed without an API key.
	ErrNoCredential = errors.New("provider: no API key configured")
	// ErrExhausted means every model in the fallback chain failed with a
	// retryable error.
	ErrExhausted = errors.New("provider: all models failed")
)

// Message is one chat turn sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single completion call.
type Params struct {
	Temperature float64
	MaxTokens   int
	// JSONObject requests response_format json_object. Used for analyst
	// and extraction calls where freeform prose would break parsing.
	JSONObject bool
}

// Client is the backend boundary. Implementations must honor ctx.
type Client interface {
	Complete(ctx context.Context, messages []Message, p Params) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SupportsPrefill reports whether a model family accepts a trailing
// assistant message as a response prefix. Models that reject prefill
// return 400s, so the assembler drops the prefill section for them.
func SupportsPrefill(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "anthropic/") ||
		strings.Contains(m, "claude") ||
		strings.HasPrefix(m, "mistralai/")
}
