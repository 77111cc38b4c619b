package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicBackend calls the Messages REST API.
type AnthropicBackend struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewAnthropicBackend(baseURL, model string, maxTokens int, temperature float64, timeout time.Duration) *AnthropicBackend {
	return &AnthropicBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (b *AnthropicBackend) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:       b.model,
		MaxTokens:   req.MaxTokens,
		System:      req.SystemInstruction,
		Messages:    []anthropicMessage{{Role: "user", Content: req.UserMessage}},
		Temperature: req.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = b.maxTokens
	}
	if body.Temperature == nil {
		// Messages API caps temperature at 1.
		body.Temperature = Temperature(min(b.temperature, 1))
	}

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := postJSON(ctx, b.httpClient, b.baseURL+"/messages", headers, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &Response{
		Content:      text.String(),
		Model:        resp.Model,
		FinishReason: anthropicFinish(resp.StopReason),
	}
	if out.Model == "" {
		out.Model = b.model
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

func anthropicFinish(reason string) FinishReason {
	switch reason {
	case "", "end_turn", "stop_sequence", "tool_use":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishContentFilter
	default:
		return FinishError
	}
}
