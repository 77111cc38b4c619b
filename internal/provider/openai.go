package provider

import (
	"context"
	"strings"

	"github.com/MimeLyc/scriptbatch/internal/llm"
	"github.com/MimeLyc/scriptbatch/internal/search"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// OpenAIBackend talks to any OpenAI-compatible chat endpoint. It has no
// native search, so UseSearch requests are grounded through the search client
// when one is configured.
type OpenAIBackend struct {
	client *llm.Client
	search *search.Client
}

func NewOpenAIBackend(client *llm.Client, searcher *search.Client) *OpenAIBackend {
	return &OpenAIBackend{client: client, search: searcher}
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

func (b *OpenAIBackend) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	user := req.UserMessage
	var sources []Source
	if req.UseSearch && b.search.Enabled() {
		res, err := b.search.Search(ctx, searchQuery(req.UserMessage))
		if err != nil {
			log.Warn("search grounding skipped: %v", err)
		} else {
			user = user + "\n\n" + search.FormatContext(res)
			for _, r := range res.Results {
				sources = append(sources, Source{Title: r.Title, URL: r.URL})
			}
		}
	}

	opts := llm.NewChatCompletionOptions().
		WithAPIKey(apiKey).
		WithSystemPrompt(req.SystemInstruction)
	if req.MaxTokens > 0 {
		opts = opts.WithMaxTokens(req.MaxTokens)
	}
	if req.Temperature != nil {
		opts = opts.WithTemperature(*req.Temperature)
	}

	resp, err := b.client.ChatCompletion(ctx, []llm.Message{{Role: "user", Content: user}}, opts)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindService, Backend: b.Name(), Retryable: true, Message: "response contained no choices"}
	}

	out := &Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: openAIFinish(resp.Choices[0].FinishReason),
		Sources:      sources,
	}
	if out.Model == "" {
		out.Model = b.client.Model()
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func openAIFinish(reason string) FinishReason {
	switch reason {
	case "", "stop", "tool_calls", "function_call":
		return FinishStop
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishError
	}
}

// searchQuery uses the first non-empty line of the prompt, bounded in length.
func searchQuery(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:200])
		}
		return line
	}
	return ""
}
