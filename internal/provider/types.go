package provider

import (
	"context"
)

// FinishReason is the backend-neutral reason a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Request is one generation call.
// Temperature is nil and MaxTokens is zero when the backend default applies.
type Request struct {
	SystemInstruction string
	UserMessage       string
	UseSearch         bool
	Temperature       *float64
	MaxTokens         int
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Source is a citation returned by a search-grounded call.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Response struct {
	Content      string
	Model        string
	Usage        *Usage
	FinishReason FinishReason
	Sources      []Source
}

// Provider is what the pipeline talks to: a backend wrapped with credential
// rotation and retries.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	IsAvailable() bool
	Name() string
}

// Backend executes a single call against one remote API with the given key.
// It does not retry.
type Backend interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req Request) (*Response, error)
}

// Limiter throttles calls across processes.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Temperature is a helper for building requests.
func Temperature(v float64) *float64 {
	return &v
}
