// Package search answers the structured search endpoint.
package search

import (
	"context"
	"fmt"
	"net/url"
)

// Result is one search hit.
type Result struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

// Backend runs a query. Implementations must be safe for concurrent use.
type Backend interface {
	Search(ctx context.Context, query, kind string) ([]Result, error)
}

// Static is a deterministic backend returning three ranked results built
// from the query text.
type Static struct{}

func (Static) Search(_ context.Context, query, _ string) ([]Result, error) {
	return []Result{
		{
			ID:      "result_1",
			Title:   "Search result for: " + query,
			Content: fmt.Sprintf("This is a search result related to %s.", query),
			URL:     "https://example.com/search?q=" + url.QueryEscape(query),
			Score:   0.95,
		},
		{
			ID:      "result_2",
			Title:   "Another result about " + query,
			Content: fmt.Sprintf("Additional search result content for %s.", query),
			URL:     "https://example.com/another-result",
			Score:   0.87,
		},
		{
			ID:      "result_3",
			Title:   "Related topic: " + query,
			Content: "A further result showing how multiple results are returned.",
			URL:     "https://example.com/related-topic",
			Score:   0.73,
		},
	}, nil
}
