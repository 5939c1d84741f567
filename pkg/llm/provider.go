// Package llm abstracts chat-completion providers behind a small interface.
// Agents speak in terms of Request/Response; the OpenAI-compatible adapter
// covers any endpoint exposing that API surface.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited marks provider backpressure. The scheduler's classifier
// maps it to a longer backoff than ordinary transient failures.
var ErrRateLimited = errors.New("provider rate limited")

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request is a single completion call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response is the provider's answer, with usage converted to cost.
type Response struct {
	Content          string  `json:"content"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Provider executes completion requests. Implementations must honor context
// cancellation and deadlines.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Pricing converts token usage into dollars, per million tokens.
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// Cost computes the dollar cost of a call's usage.
func (p Pricing) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)*p.PromptPerMTok/1e6 +
		float64(completionTokens)*p.CompletionPerMTok/1e6
}
