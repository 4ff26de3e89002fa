package ragcache

import (
	"context"
	"sort"
)

// FederatedResult is a search hit annotated with its source tree.
type FederatedResult struct {
	Tree string `json:"tree"`
	SearchResult
}

// FederatedOutcome is the merged result of a multi-tree search.
type FederatedOutcome struct {
	Results       []FederatedResult `json:"results"`
	TreesSearched []string          `json:"trees_searched"`
	TreesFailed   []string          `json:"trees_failed"`
	Merge         string            `json:"merge"`
}

// Merge strategy names accepted by federated search.
const (
	MergeScore      = "score"
	MergeRoundRobin = "round_robin"
	MergeWeighted   = "weighted"
)

// FederatedSearch queries every named tree and merges the per-tree
// results. Trees that fail to load are reported, not fatal; the search
// proceeds over the rest.
func (c *Cache) FederatedSearch(ctx context.Context, query string, treeNames []string, topK, topKPerTree int, merge string) FederatedOutcome {
	outcome := FederatedOutcome{
		Results:       []FederatedResult{},
		TreesSearched: []string{},
		TreesFailed:   []string{},
		Merge:         merge,
	}

	perTree := make([][]FederatedResult, 0, len(treeNames))
	for _, name := range treeNames {
		tree, err := c.Load(ctx, name)
		if err != nil {
			c.logger.Warn("Federated search skipping tree", "tree", name, "error", err)
			outcome.TreesFailed = append(outcome.TreesFailed, name)
			continue
		}
		outcome.TreesSearched = append(outcome.TreesSearched, name)

		hits := tree.search(query, topKPerTree)
		annotated := make([]FederatedResult, 0, len(hits))
		for _, hit := range hits {
			annotated = append(annotated, FederatedResult{Tree: name, SearchResult: hit})
		}
		perTree = append(perTree, annotated)
	}

	switch merge {
	case MergeRoundRobin:
		outcome.Results = mergeRoundRobin(perTree, topK)
	case MergeWeighted:
		outcome.Results = mergeWeighted(perTree, topK)
	default:
		outcome.Results = mergeByScore(perTree, topK)
	}
	return outcome
}

// mergeByScore flattens all hits and globally sorts by score. Input
// order (tree order, then per-tree rank) breaks ties.
func mergeByScore(perTree [][]FederatedResult, topK int) []FederatedResult {
	merged := flatten(perTree)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return truncate(merged, topK)
}

// mergeRoundRobin interleaves one hit per contributing tree until topK
// results are taken or every list is drained.
func mergeRoundRobin(perTree [][]FederatedResult, topK int) []FederatedResult {
	merged := []FederatedResult{}
	for depth := 0; ; depth++ {
		took := false
		for _, hits := range perTree {
			if depth >= len(hits) {
				continue
			}
			merged = append(merged, hits[depth])
			took = true
			if topK > 0 && len(merged) >= topK {
				return merged
			}
		}
		if !took {
			return merged
		}
	}
}

// mergeWeighted discounts each tree's scores by the order trees first
// contribute a hit: the first tree keeps its scores, the next is scaled
// by 0.9, and so on. The discount floors at 0.1 so distant trees still
// contribute.
func mergeWeighted(perTree [][]FederatedResult, topK int) []FederatedResult {
	merged := []FederatedResult{}
	appearance := 0
	for _, hits := range perTree {
		if len(hits) == 0 {
			continue
		}
		weight := 1.0 - 0.1*float64(appearance)
		if weight < 0.1 {
			weight = 0.1
		}
		appearance++
		for _, hit := range hits {
			hit.Score *= weight
			merged = append(merged, hit)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return truncate(merged, topK)
}

func flatten(perTree [][]FederatedResult) []FederatedResult {
	merged := []FederatedResult{}
	for _, hits := range perTree {
		merged = append(merged, hits...)
	}
	return merged
}

func truncate(results []FederatedResult, topK int) []FederatedResult {
	if topK > 0 && len(results) > topK {
		return results[:topK]
	}
	return results
}
