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

package anomaly

import (
	"fmt"
	"math"
	"math/rand"
)

func init() {
	registerBackend(BackendInfo{
		Name:     "isolation_forest",
		Category: "ensemble",
		Speed:    "fast",
		Memory:   "medium",
		Parameters: map[string]string{
			"n_estimators": "number of trees (default 100)",
			"max_samples":  "subsample size per tree (default 256)",
		},
		BestFor: "high-dimensional data with mixed anomaly types",
		Legacy:  true,
	}, func(cfg Config) Detector {
		return &isolationForest{
			trees:      cfg.Params.intOr("n_estimators", 100),
			maxSamples: cfg.Params.intOr("max_samples", 256),
			seed:       cfg.Seed,
		}
	})
}

type iNode struct {
	left, right *iNode
	splitDim    int
	splitValue  float64
	size        int // external node: subsample size reaching it
}

type isolationForest struct {
	trees      int
	maxSamples int
	seed       int64

	forest []*iNode
	sample int
}

func (f *isolationForest) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}

	rng := rand.New(rand.NewSource(f.seedOrEntropy()))
	f.sample = f.maxSamples
	if f.sample > len(X) {
		f.sample = len(X)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(f.sample)))) + 1

	f.forest = make([]*iNode, f.trees)
	for t := 0; t < f.trees; t++ {
		idx := rng.Perm(len(X))[:f.sample]
		sub := make([][]float64, f.sample)
		for i, j := range idx {
			sub[i] = X[j]
		}
		f.forest[t] = buildITree(sub, 0, maxDepth, rng)
	}
	return nil
}

func (f *isolationForest) seedOrEntropy() int64 {
	if f.seed != 0 {
		return f.seed
	}
	return rand.Int63()
}

func buildITree(X [][]float64, depth, maxDepth int, rng *rand.Rand) *iNode {
	if len(X) <= 1 || depth >= maxDepth {
		return &iNode{size: len(X)}
	}

	dims := len(X[0])
	// Pick a dimension with spread; give up after a few tries.
	for attempt := 0; attempt < dims; attempt++ {
		d := rng.Intn(dims)
		lo, hi := X[0][d], X[0][d]
		for _, row := range X[1:] {
			if row[d] < lo {
				lo = row[d]
			}
			if row[d] > hi {
				hi = row[d]
			}
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)

		var left, right [][]float64
		for _, row := range X {
			if row[d] < split {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &iNode{
			splitDim:   d,
			splitValue: split,
			left:       buildITree(left, depth+1, maxDepth, rng),
			right:      buildITree(right, depth+1, maxDepth, rng),
		}
	}
	return &iNode{size: len(X)}
}

func (f *isolationForest) DecisionFunction(X [][]float64) ([]float64, error) {
	if f.forest == nil {
		return nil, ErrNotFitted
	}

	c := avgPathLength(float64(f.sample))
	scores := make([]float64, len(X))
	for i, row := range X {
		var total float64
		for _, tree := range f.forest {
			total += pathLength(tree, row, 0)
		}
		mean := total / float64(len(f.forest))
		scores[i] = math.Pow(2, -mean/c)
	}
	return scores, nil
}

func (f *isolationForest) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(f, X)
}

func pathLength(node *iNode, row []float64, depth float64) float64 {
	if node.left == nil {
		return depth + avgPathLength(float64(node.size))
	}
	if row[node.splitDim] < node.splitValue {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}
