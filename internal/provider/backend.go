package provider

import (
	"fmt"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/llm"
	"github.com/MimeLyc/scriptbatch/internal/search"
)

// NewBackend builds the backend named by cfg.Provider. searcher is only used
// by the openai backend and may be nil.
func NewBackend(cfg config.LLMConfig, searcher *search.Client) (Backend, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	switch cfg.Provider {
	case "openai", "":
		client, err := llm.NewClient(&llm.Config{
			APIKey:      cfg.APIKey,
			APIURL:      cfg.APIURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
			SiteURL:     cfg.SiteURL,
			AppName:     cfg.AppName,
		})
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		return NewOpenAIBackend(client, searcher), nil
	case "gemini":
		return NewGeminiBackend(cfg.APIURL, cfg.Model, cfg.MaxTokens, cfg.Temperature, timeout), nil
	case "anthropic":
		return NewAnthropicBackend(cfg.APIURL, cfg.Model, cfg.MaxTokens, cfg.Temperature, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
