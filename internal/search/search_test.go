package search

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSearch(t *testing.T) {
	results, err := Static{}.Search(context.Background(), "go & rust", "json")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "result_1", results[0].ID)
	assert.Contains(t, results[0].Title, "go & rust")
	assert.Equal(t, "https://example.com/search?q=go+%26+rust", results[0].URL)
	assert.True(t, sort.SliceIsSorted(results, func(i, j int) bool { return results[i].Score > results[j].Score }))
}
