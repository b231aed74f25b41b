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
		Name:     "hbos",
		Category: "probabilistic",
		Speed:    "fast",
		Memory:   "low",
		Parameters: map[string]string{
			"n_bins": "histogram bins per dimension (default 10)",
		},
		BestFor: "large datasets where speed matters more than accuracy",
	}, func(cfg Config) Detector {
		return &hbos{bins: cfg.Params.intOr("n_bins", 10)}
	})

	registerBackend(BackendInfo{
		Name:       "mad",
		Category:   "statistical",
		Speed:      "fast",
		Memory:     "low",
		Parameters: map[string]string{},
		BestFor:    "univariate or loosely coupled dimensions with heavy tails",
	}, func(cfg Config) Detector {
		return &madDetector{}
	})
}

// hbos sums per-dimension negative log histogram densities.
type hbos struct {
	bins   int
	lo, hi []float64
	counts [][]float64 // per-dimension normalized bin densities
	n      int
}

func (h *hbos) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	dims := len(X[0])
	h.n = len(X)
	h.lo = make([]float64, dims)
	h.hi = make([]float64, dims)
	h.counts = make([][]float64, dims)

	for d := 0; d < dims; d++ {
		h.lo[d], h.hi[d] = X[0][d], X[0][d]
		for _, row := range X {
			if row[d] < h.lo[d] {
				h.lo[d] = row[d]
			}
			if row[d] > h.hi[d] {
				h.hi[d] = row[d]
			}
		}

		counts := make([]float64, h.bins)
		for _, row := range X {
			counts[h.binIndex(d, row[d])]++
		}
		// Laplace smoothing keeps empty bins finite.
		for i := range counts {
			counts[i] = (counts[i] + 1) / (float64(h.n) + float64(h.bins))
		}
		h.counts[d] = counts
	}
	return nil
}

func (h *hbos) binIndex(d int, v float64) int {
	if h.hi[d] <= h.lo[d] {
		return 0
	}
	idx := int(float64(h.bins) * (v - h.lo[d]) / (h.hi[d] - h.lo[d]))
	if idx < 0 {
		idx = 0
	}
	if idx >= h.bins {
		idx = h.bins - 1
	}
	return idx
}

func (h *hbos) DecisionFunction(X [][]float64) ([]float64, error) {
	if h.counts == nil {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(h.counts) {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", i, len(row), len(h.counts))
		}
		var s float64
		for d, v := range row {
			density := h.counts[d][h.binIndex(d, v)]
			// Out-of-range points get the smoothing floor.
			if v < h.lo[d] || v > h.hi[d] {
				density = 1 / (float64(h.n) + float64(h.bins))
			}
			s += -math.Log(density)
		}
		scores[i] = s
	}
	return scores, nil
}

func (h *hbos) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(h, X)
}

// madDetector scores by the largest per-dimension robust z-score
// |x - median| / (1.4826 * MAD).
type madDetector struct {
	median []float64
	scale  []float64
}

const madConsistency = 1.4826

func (m *madDetector) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	dims := len(X[0])
	m.median = make([]float64, dims)
	m.scale = make([]float64, dims)

	col := make([]float64, len(X))
	for d := 0; d < dims; d++ {
		for i, row := range X {
			col[i] = row[d]
		}
		sort.Float64s(col)
		m.median[d] = Quantile(col, 0.5)

		devs := make([]float64, len(X))
		for i, row := range X {
			devs[i] = math.Abs(row[d] - m.median[d])
		}
		sort.Float64s(devs)
		mad := Quantile(devs, 0.5)
		if mad == 0 {
			mad = 1e-9
		}
		m.scale[d] = madConsistency * mad
	}
	return nil
}

func (m *madDetector) DecisionFunction(X [][]float64) ([]float64, error) {
	if m.median == nil {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.median) {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", i, len(row), len(m.median))
		}
		var worst float64
		for d, v := range row {
			z := math.Abs(v-m.median[d]) / m.scale[d]
			if z > worst {
				worst = z
			}
		}
		scores[i] = worst
	}
	return scores, nil
}

func (m *madDetector) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(m, X)
}
