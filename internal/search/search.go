// Package search is the web-search capability used by runs with
// web_search_enabled. Providers implement Searcher.
package search

import (
	"context"
	"strings"
	"unicode/utf8"
)

// MaxQueryRunes bounds a derived search query
const MaxQueryRunes = 200

// Item is one normalized search hit
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Item, error)
}

// Query derives the search query for a task: its name, or else the first
// non-empty line of its prompt, truncated to MaxQueryRunes.
func Query(name, prompt string) string {
	q := strings.TrimSpace(name)
	if q == "" {
		for _, line := range strings.Split(prompt, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				q = line
				break
			}
		}
	}
	if utf8.RuneCountInString(q) > MaxQueryRunes {
		q = string([]rune(q)[:MaxQueryRunes])
	}
	return q
}
