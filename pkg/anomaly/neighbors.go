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
		Name:     "knn",
		Category: "proximity",
		Speed:    "medium",
		Memory:   "high",
		Parameters: map[string]string{
			"n_neighbors": "neighbor count (default 5)",
		},
		BestFor: "low-dimensional data with cluster structure",
	}, func(cfg Config) Detector {
		return &knn{k: cfg.Params.intOr("n_neighbors", 5)}
	})

	registerBackend(BackendInfo{
		Name:     "local_outlier_factor",
		Category: "proximity",
		Speed:    "medium",
		Memory:   "high",
		Parameters: map[string]string{
			"n_neighbors": "neighbor count (default 20)",
		},
		BestFor: "data with varying local density",
		Legacy:  true,
	}, func(cfg Config) Detector {
		return &lof{k: cfg.Params.intOr("n_neighbors", 20)}
	})
}

func euclidean(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// kNearest returns the distances to the k nearest training rows,
// ascending. exclude skips a training index (self-distance during fit).
func kNearest(train [][]float64, row []float64, k, exclude int) []float64 {
	dists := make([]float64, 0, len(train))
	for i, t := range train {
		if i == exclude {
			continue
		}
		dists = append(dists, euclidean(t, row))
	}
	sort.Float64s(dists)
	if k > len(dists) {
		k = len(dists)
	}
	return dists[:k]
}

// knn scores a point by its distance to the k-th nearest training point.
type knn struct {
	k     int
	train [][]float64
}

func (d *knn) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	d.train = X
	return nil
}

func (d *knn) DecisionFunction(X [][]float64) ([]float64, error) {
	if d.train == nil {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(X))
	for i, row := range X {
		nn := kNearest(d.train, row, d.k, -1)
		if len(nn) == 0 {
			return nil, fmt.Errorf("training set too small for k=%d", d.k)
		}
		scores[i] = nn[len(nn)-1]
	}
	return scores, nil
}

func (d *knn) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(d, X)
}

// lof implements the local outlier factor; higher means more anomalous.
type lof struct {
	k     int
	train [][]float64
	kDist []float64 // k-distance of each training row
	lrd   []float64 // local reachability density of each training row
}

func (d *lof) Fit(X [][]float64) error {
	if len(X) < 2 {
		return fmt.Errorf("local_outlier_factor needs at least 2 training rows")
	}
	d.train = X

	k := d.k
	if k >= len(X) {
		k = len(X) - 1
	}

	d.kDist = make([]float64, len(X))
	neighbors := make([][]float64, len(X))
	for i, row := range X {
		nn := kNearest(X, row, k, i)
		neighbors[i] = nn
		d.kDist[i] = nn[len(nn)-1]
	}

	d.lrd = make([]float64, len(X))
	for i, row := range X {
		d.lrd[i] = d.localReachability(row, neighbors[i], i)
	}
	return nil
}

// localReachability approximates lrd using reachability distances against
// the k-distance distribution.
func (d *lof) localReachability(row []float64, nn []float64, exclude int) float64 {
	var sum float64
	count := 0
	for i, t := range d.train {
		if i == exclude {
			continue
		}
		dist := euclidean(t, row)
		if dist > nn[len(nn)-1] {
			continue
		}
		reach := dist
		if d.kDist[i] > reach {
			reach = d.kDist[i]
		}
		sum += reach
		count++
	}
	if count == 0 || sum == 0 {
		return math.Inf(1)
	}
	return float64(count) / sum
}

func (d *lof) DecisionFunction(X [][]float64) ([]float64, error) {
	if d.train == nil {
		return nil, ErrNotFitted
	}

	k := d.k
	if k >= len(d.train) {
		k = len(d.train) - 1
	}

	scores := make([]float64, len(X))
	for i, row := range X {
		nn := kNearest(d.train, row, k, -1)
		ownLRD := d.localReachability(row, nn, -1)

		// Average the neighbors' lrd against the query's own.
		var sum float64
		count := 0
		for j, t := range d.train {
			if euclidean(t, row) <= nn[len(nn)-1] {
				sum += d.lrd[j]
				count++
			}
		}
		if count == 0 || math.IsInf(ownLRD, 1) {
			scores[i] = 1
			continue
		}
		scores[i] = (sum / float64(count)) / ownLRD
	}
	return scores, nil
}

func (d *lof) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(d, X)
}
