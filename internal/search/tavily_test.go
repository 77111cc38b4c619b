package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req.APIKey)
		assert.Equal(t, "history of the silk road", req.Query)
		assert.Equal(t, "basic", req.SearchDepth)
		assert.Equal(t, 5, req.MaxResults)

		_ = json.NewEncoder(w).Encode(Response{
			Query:  req.Query,
			Answer: "A network of trade routes.",
			Results: []Result{
				{Title: "Silk Road", URL: "https://example.org/silk", Content: "Trade routes linking East and West."},
			},
		})
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL)
	require.True(t, client.Enabled())

	resp, err := client.Search(context.Background(), "  history of the silk road ")
	require.NoError(t, err)
	assert.Equal(t, "A network of trade routes.", resp.Answer)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://example.org/silk", resp.Results[0].URL)
}

func TestClient_Search_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid api key"}`))
	}))
	defer server.Close()

	_, err := NewClient("bad", server.URL).Search(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestClient_Search_EmptyQuery(t *testing.T) {
	_, err := NewClient("k", "").Search(context.Background(), "   ")
	assert.Error(t, err)
}

func TestClient_DefaultsAndEnabled(t *testing.T) {
	c := NewClient("", "")
	assert.Equal(t, DefaultAPIURL, c.apiURL)
	assert.False(t, c.Enabled())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}

func TestFormatContext(t *testing.T) {
	long := strings.Repeat("x", 600)
	out := FormatContext(&Response{
		Answer: "Short answer",
		Results: []Result{
			{Title: "First", Content: "one"},
			{Title: "Second", Content: long},
		},
	})

	assert.Contains(t, out, "Summary: Short answer")
	assert.Contains(t, out, "[1] First")
	assert.Contains(t, out, "[2] Second")
	assert.Contains(t, out, strings.Repeat("x", 500)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 501))

	assert.Contains(t, FormatContext(&Response{}), "No results found.")
}

func TestClient_Integration(t *testing.T) {
	_ = godotenv.Load("../../.env")
	apiKey := os.Getenv("SEARCH_API_KEY")
	if apiKey == "" {
		t.Skip("Set SEARCH_API_KEY environment variable to run this test")
	}

	resp, err := NewClient(apiKey, "").Search(context.Background(), "Golang release history")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}
