package provider

import (
	"fmt"
	"strings"
)

// AppendSources adds a numbered sources section built from citation
// metadata. Duplicate URLs are listed once; content is returned unchanged
// when there is nothing to cite.
func AppendSources(content string, sources []Source) string {
	seen := make(map[string]bool, len(sources))
	var lines []string
	for _, s := range sources {
		url := strings.TrimSpace(s.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = url
		}
		lines = append(lines, fmt.Sprintf("%d. [%s](%s)", len(lines)+1, title, url))
	}
	if len(lines) == 0 {
		return content
	}
	return strings.TrimRight(content, "\n") + "\n\n---\nSources:\n" + strings.Join(lines, "\n") + "\n"
}
