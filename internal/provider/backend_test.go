package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiBackend_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.RawQuery)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "systemInstruction")
		assert.Contains(t, body, "tools")

		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"parts": [{"text": "Scene 1: "}, {"text": "Dawn"}]},
				"finishReason": "MAX_TOKENS",
				"groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://src.example", "title": "Src"}}]}
			}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 4, "totalTokenCount": 7},
			"modelVersion": "gemini-test-001"
		}`))
	}))
	defer server.Close()

	b := NewGeminiBackend(server.URL, "gemini-test", 100, 0.5, 5*time.Second)
	resp, err := b.Complete(context.Background(), "g-key", Request{SystemInstruction: "sys", UserMessage: "hi", UseSearch: true})
	require.NoError(t, err)
	assert.Equal(t, "Scene 1: Dawn", resp.Content)
	assert.Equal(t, FinishLength, resp.FinishReason)
	assert.Equal(t, "gemini-test-001", resp.Model)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, []Source{{Title: "Src", URL: "https://src.example"}}, resp.Sources)
}

func TestGeminiBackend_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "Quota exceeded", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	b := NewGeminiBackend(server.URL, "m", 100, 0.5, 5*time.Second)
	_, err := b.Complete(context.Background(), "k", Request{UserMessage: "hi"})
	require.Error(t, err)

	perr := Classify(b.Name(), err)
	assert.Equal(t, KindRateLimited, perr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Contains(t, perr.Message, "RESOURCE_EXHAUSTED: Quota exceeded")
}

func TestGeminiBackend_TransportErrorOmitsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := server.URL
	server.Close()

	const key = "AIzaSECRETKEY1234567890"
	pool := credential.NewPool()
	pool.Add(key)
	a := NewAdapter(NewGeminiBackend(base, "gemini-pro", 100, 0.5, time.Second), pool,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}))

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), key)
	assert.Contains(t, err.Error(), "gemini-pro:generateContent")

	creds := pool.List()
	require.Len(t, creds, 1)
	assert.NotEmpty(t, creds[0].LastError)
	assert.NotContains(t, creds[0].LastError, key)
}

func TestRedactURL_DropsQuery(t *testing.T) {
	err := redactURL(&url.Error{Op: "Post", URL: "http://127.0.0.1:1/v1/models/m?key=secret", Err: errors.New("connection refused")})
	assert.Equal(t, `Post "http://127.0.0.1:1/v1/models/m": connection refused`, err.Error())
}

func TestGeminiBackend_BlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback": {"blockReason": "SAFETY"}}`))
	}))
	defer server.Close()

	resp, err := NewGeminiBackend(server.URL, "m", 100, 0.5, 5*time.Second).
		Complete(context.Background(), "k", Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, FinishContentFilter, resp.FinishReason)
	assert.Empty(t, resp.Content)
}

func TestAnthropicBackend_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "a-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sys", body.System)
		assert.Equal(t, 64, body.MaxTokens)
		require.NotNil(t, body.Temperature)
		assert.InDelta(t, 1.0, *body.Temperature, 1e-9)

		_, _ = w.Write([]byte(`{
			"model": "claude-test",
			"content": [{"type": "text", "text": "Scene 1: Hi"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 6}
		}`))
	}))
	defer server.Close()

	b := NewAnthropicBackend(server.URL, "claude-test", 64, 1.4, 5*time.Second)
	resp, err := b.Complete(context.Background(), "a-key", Request{SystemInstruction: "sys", UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Scene 1: Hi", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, 11, resp.Usage.TotalTokens)
}

func TestAnthropicBackend_Overloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`))
	}))
	defer server.Close()

	_, err := NewAnthropicBackend(server.URL, "m", 64, 0.5, 5*time.Second).
		Complete(context.Background(), "k", Request{UserMessage: "hi"})
	perr := Classify("anthropic", err)
	assert.Equal(t, KindService, perr.Kind)
	assert.True(t, perr.Retryable)
}

func TestOpenAIBackend_SearchGrounding(t *testing.T) {
	searchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Write about lighthouses", req.Query)
		_ = json.NewEncoder(w).Encode(search.Response{Results: []search.Result{
			{Title: "Lighthouse", URL: "https://lh.example", Content: "Tall towers."},
		}})
	}))
	defer searchServer.Close()

	var userMessage string
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer o-key", r.Header.Get("Authorization"))
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		userMessage = body.Messages[len(body.Messages)-1].Content
		_, _ = w.Write([]byte(`{"model": "gpt-test", "choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "length"}]}`))
	}))
	defer llmServer.Close()

	backend, err := NewBackend(config.LLMConfig{
		Provider: "openai", APIURL: llmServer.URL, Model: "gpt-test",
		MaxTokens: 100, Temperature: 0.7, Timeout: 5,
	}, search.NewClient("s-key", searchServer.URL))
	require.NoError(t, err)

	resp, err := backend.Complete(context.Background(), "o-key", Request{UserMessage: "Write about lighthouses\nmore", UseSearch: true})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, FinishLength, resp.FinishReason)
	assert.Equal(t, []Source{{Title: "Lighthouse", URL: "https://lh.example"}}, resp.Sources)
	assert.Contains(t, userMessage, "Tall towers.")
}

func TestNewBackend(t *testing.T) {
	cfg := config.LLMConfig{APIURL: "https://x.example", Model: "m", MaxTokens: 10, Temperature: 0.5, Timeout: 5}

	for _, name := range []string{"openai", "gemini", "anthropic"} {
		cfg.Provider = name
		b, err := NewBackend(cfg, nil)
		require.NoError(t, err, name)
		assert.Equal(t, name, b.Name())
	}

	cfg.Provider = "mystery"
	_, err := NewBackend(cfg, nil)
	assert.Error(t, err)
}
