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
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Normalization names a score-normalization mode.
type Normalization string

const (
	// NormStandardization z-scores against the training distribution and
	// squashes through a sigmoid into [0,1].
	NormStandardization Normalization = "standardization"
	// NormZScore z-scores against the training distribution.
	NormZScore Normalization = "zscore"
	// NormRaw passes backend scores through unchanged.
	NormRaw Normalization = "raw"
)

// NormStats holds the training-score statistics normalization scales by.
type NormStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ComputeNormStats derives mean and std from training scores. A
// degenerate std collapses to 1 so normalization stays defined.
func ComputeNormStats(scores []float64) NormStats {
	if len(scores) == 0 {
		return NormStats{Mean: 0, Std: 1}
	}
	mean, std := stat.MeanStdDev(scores, nil)
	if len(scores) < 2 || std == 0 || math.IsNaN(std) {
		std = 1
	}
	return NormStats{Mean: mean, Std: std}
}

// NormalizeScores applies the chosen mode. Higher stays more anomalous
// under every mode.
func NormalizeScores(scores []float64, mode Normalization, stats NormStats) []float64 {
	out := make([]float64, len(scores))
	switch mode {
	case NormZScore:
		for i, s := range scores {
			out[i] = (s - stats.Mean) / stats.Std
		}
	case NormRaw:
		copy(out, scores)
	default: // standardization
		for i, s := range scores {
			z := (s - stats.Mean) / stats.Std
			out[i] = 1 / (1 + math.Exp(-z))
		}
	}
	return out
}

// Quantile returns the q-th empirical quantile of values.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}
