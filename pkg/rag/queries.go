// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rag

import (
	"context"
	"sort"
	"strings"
)

// DefaultJaccardThreshold is the word-overlap ratio above which two
// results are considered duplicates.
const DefaultJaccardThreshold = 0.9

// RunQueries executes each query separately against the searcher,
// merges the results, drops duplicates (exact content match first,
// then word-level Jaccard similarity at or above threshold), sorts by
// score descending, and truncates to topK.
func RunQueries(ctx context.Context, s Searcher, base Params, queries []string, threshold float64) ([]Result, error) {
	if threshold <= 0 {
		threshold = DefaultJaccardThreshold
	}
	topK := base.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	var merged []Result
	for _, query := range queries {
		p := base
		p.Query = query
		results, err := s.Search(ctx, p)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	deduped := dedupe(merged, threshold)
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})
	if len(deduped) > topK {
		deduped = deduped[:topK]
	}
	return deduped, nil
}

func dedupe(results []Result, threshold float64) []Result {
	seen := make(map[string]bool)
	var kept []Result

	for _, r := range results {
		if seen[r.Content] {
			continue
		}
		duplicate := false
		for _, k := range kept {
			if jaccard(r.Content, k.Content) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		seen[r.Content] = true
		kept = append(kept, r)
	}
	return kept
}

// jaccard computes word-level set overlap between two texts.
func jaccard(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}
