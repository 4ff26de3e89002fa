package ragcache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// federatedFixture seeds two trees. Tree "one" holds two leaves ranked
// o1 then o2; tree "two" holds a leaf and a layer-1 summary ranked t2a
// then t2b.
func federatedFixture(t *testing.T) *Cache {
	t.Helper()
	cache, dir := newTestCache(t, nil, 10, 0)
	writeArtifact(t, filepath.Join(dir, "one.tree"), []Node{
		{ID: "o1", Text: "redis redis redis", Layer: 0},
		{ID: "o2", Text: "redis config drift", Layer: 0},
	})
	writeArtifact(t, filepath.Join(dir, "two.tree"), []Node{
		{ID: "t2b", Text: "redis incidents overview", Layer: 1, Summary: true},
		{ID: "t2a", Text: "redis errors in checkout", Layer: 0},
	})
	return cache
}

func resultIDs(results []FederatedResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.NodeID)
	}
	return ids
}

func TestFederatedSearchScoreMerge(t *testing.T) {
	cache := federatedFixture(t)

	outcome := cache.FederatedSearch(context.Background(), "redis", []string{"one", "two", "ghost"}, 10, 10, MergeScore)

	assert.Equal(t, []string{"one", "two"}, outcome.TreesSearched)
	assert.Equal(t, []string{"ghost"}, outcome.TreesFailed)
	assert.Equal(t, MergeScore, outcome.Merge)
	assert.Equal(t, []string{"o1", "o2", "t2a", "t2b"}, resultIDs(outcome.Results))

	require.Len(t, outcome.Results, 4)
	assert.Equal(t, "one", outcome.Results[0].Tree)
	assert.Equal(t, "two", outcome.Results[3].Tree)
	assert.InDelta(t, 1.0/1.2, outcome.Results[3].Score, 1e-9)
}

func TestFederatedSearchRoundRobin(t *testing.T) {
	cache := federatedFixture(t)

	outcome := cache.FederatedSearch(context.Background(), "redis", []string{"one", "two"}, 10, 10, MergeRoundRobin)
	assert.Equal(t, []string{"o1", "t2a", "o2", "t2b"}, resultIDs(outcome.Results))

	capped := cache.FederatedSearch(context.Background(), "redis", []string{"one", "two"}, 3, 10, MergeRoundRobin)
	assert.Equal(t, []string{"o1", "t2a", "o2"}, resultIDs(capped.Results))
}

func TestFederatedSearchWeighted(t *testing.T) {
	cache := federatedFixture(t)

	outcome := cache.FederatedSearch(context.Background(), "redis", []string{"one", "two"}, 10, 10, MergeWeighted)
	require.Len(t, outcome.Results, 4)

	assert.Equal(t, []string{"o1", "o2", "t2a", "t2b"}, resultIDs(outcome.Results))
	assert.InDelta(t, 1.0, outcome.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.9, outcome.Results[2].Score, 1e-9)
	assert.InDelta(t, 0.9/1.2, outcome.Results[3].Score, 1e-9)
}

func TestFederatedSearchPerTreeLimit(t *testing.T) {
	cache := federatedFixture(t)

	outcome := cache.FederatedSearch(context.Background(), "redis", []string{"one", "two"}, 10, 1, MergeScore)
	assert.Equal(t, []string{"o1", "t2a"}, resultIDs(outcome.Results))
}

func TestFederatedSearchAllTreesMissing(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)

	outcome := cache.FederatedSearch(context.Background(), "redis", []string{"ghost", "phantom"}, 10, 10, MergeScore)
	assert.Empty(t, outcome.Results)
	assert.Empty(t, outcome.TreesSearched)
	assert.Equal(t, []string{"ghost", "phantom"}, outcome.TreesFailed)
}

func TestMergeWeightedFloorsDiscount(t *testing.T) {
	perTree := make([][]FederatedResult, 11)
	for i := range perTree {
		perTree[i] = []FederatedResult{{
			Tree:         fmt.Sprintf("t%02d", i),
			SearchResult: SearchResult{NodeID: fmt.Sprintf("n%02d", i), Score: 1.0},
		}}
	}

	merged := mergeWeighted(perTree, 0)
	require.Len(t, merged, 11)
	assert.InDelta(t, 1.0, merged[0].Score, 1e-9)
	assert.InDelta(t, 0.1, merged[9].Score, 1e-9)
	// The eleventh tree clamps at the floor instead of going to zero.
	assert.Equal(t, "t10", merged[10].Tree)
	assert.InDelta(t, 0.1, merged[10].Score, 1e-9)
}

func TestMergeWeightedSkipsTreesWithoutHits(t *testing.T) {
	perTree := [][]FederatedResult{
		{},
		{{Tree: "busy", SearchResult: SearchResult{NodeID: "b1", Score: 1.0}}},
		{{Tree: "late", SearchResult: SearchResult{NodeID: "l1", Score: 1.0}}},
	}

	merged := mergeWeighted(perTree, 0)
	require.Len(t, merged, 2)
	assert.InDelta(t, 1.0, merged[0].Score, 1e-9)
	assert.InDelta(t, 0.9, merged[1].Score, 1e-9)
}

func TestMergeRoundRobinUnevenLists(t *testing.T) {
	perTree := [][]FederatedResult{
		{{SearchResult: SearchResult{NodeID: "a1"}}, {SearchResult: SearchResult{NodeID: "a2"}}, {SearchResult: SearchResult{NodeID: "a3"}}},
		{{SearchResult: SearchResult{NodeID: "b1"}}},
	}
	merged := mergeRoundRobin(perTree, 0)
	assert.Equal(t, []string{"a1", "b1", "a2", "a3"}, resultIDs(merged))
}

func TestMergeByScoreEmpty(t *testing.T) {
	assert.Empty(t, mergeByScore(nil, 10))
}
