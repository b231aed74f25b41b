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
	"sort"
)

func init() {
	registerBackend(BackendInfo{
		Name:     "ecod",
		Category: "probabilistic",
		Speed:    "fast",
		Memory:   "low",
		Parameters: map[string]string{
			"contamination": "expected anomaly fraction",
		},
		BestFor: "general-purpose detection without hyperparameter tuning",
	}, func(cfg Config) Detector {
		return &ecod{}
	})
}

// ecod scores points by empirical tail probabilities: per dimension, the
// negative log of the smaller tail of the training ECDF, summed across
// dimensions.
type ecod struct {
	sorted [][]float64 // per-dimension sorted training values
	n      int
}

func (e *ecod) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	dims := len(X[0])
	e.n = len(X)
	e.sorted = make([][]float64, dims)
	for d := 0; d < dims; d++ {
		col := make([]float64, len(X))
		for i, row := range X {
			if len(row) != dims {
				return fmt.Errorf("row %d has %d dimensions, want %d", i, len(row), dims)
			}
			col[i] = row[d]
		}
		sort.Float64s(col)
		e.sorted[d] = col
	}
	return nil
}

func (e *ecod) DecisionFunction(X [][]float64) ([]float64, error) {
	if e.sorted == nil {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(e.sorted) {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", i, len(row), len(e.sorted))
		}
		var s float64
		for d, v := range row {
			left, right := e.tails(d, v)
			tail := left
			if right < tail {
				tail = right
			}
			s += -math.Log(tail)
		}
		scores[i] = s
	}
	return scores, nil
}

func (e *ecod) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(e, X)
}

// tails returns the left and right empirical tail probabilities of v in
// dimension d, smoothed so neither is ever zero.
func (e *ecod) tails(d int, v float64) (float64, float64) {
	col := e.sorted[d]
	// rank = count of training values <= v
	rank := sort.SearchFloat64s(col, math.Nextafter(v, math.Inf(1)))
	n := float64(e.n)
	left := (float64(rank) + 1) / (n + 2)
	right := (n - float64(rank) + 1) / (n + 2)
	return left, right
}

// predictByMedian is the bare-backend Predict fallback: anything above
// the median training score is flagged. The Model wrapper applies the
// real contamination-derived threshold.
func predictByMedian(d Detector, X [][]float64) ([]int, error) {
	scores, err := d.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	med := Quantile(scores, 0.5)
	labels := make([]int, len(scores))
	for i, s := range scores {
		if s > med {
			labels[i] = 1
		}
	}
	return labels, nil
}
