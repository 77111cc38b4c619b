package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.tavily.com/search"

// maxSnippet bounds how much of each result is fed back into a prompt.
const maxSnippet = 500

// Client queries the Tavily search API. It is used to ground generation
// requests on backends without native search support.
type Client struct {
	apiKey     string
	apiURL     string
	maxResults int
	httpClient *http.Client
}

// Request is the Tavily request body.
type Request struct {
	APIKey            string   `json:"api_key"`
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth,omitempty"`
	IncludeAnswer     bool     `json:"include_answer,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
}

// Response is the Tavily response body.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// NewClient creates a search client. An empty apiURL selects DefaultAPIURL.
func NewClient(apiKey, apiURL string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiKey:     apiKey,
		apiURL:     apiURL,
		maxResults: 5,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled reports whether the client has a key configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Search runs a basic-depth query and returns the raw response.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}

	request := Request{
		APIKey:        c.apiKey,
		Query:         query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
		MaxResults:    c.maxResults,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, string(body))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// FormatContext renders a response as a reference block that can be appended
// to a user message.
func FormatContext(resp *Response) string {
	var b strings.Builder

	b.WriteString("Reference material from a web search:\n")
	if resp.Answer != "" {
		fmt.Fprintf(&b, "Summary: %s\n", resp.Answer)
	}
	if len(resp.Results) == 0 {
		b.WriteString("No results found.\n")
		return b.String()
	}

	for i, r := range resp.Results {
		content := r.Content
		if len(content) > maxSnippet {
			content = content[:maxSnippet] + "..."
		}
		fmt.Fprintf(&b, "\n[%d] %s\n    %s\n", i+1, r.Title, content)
	}
	return b.String()
}
