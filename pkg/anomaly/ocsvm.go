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
		Name:     "one_class_svm",
		Category: "kernel",
		Speed:    "slow",
		Memory:   "medium",
		Parameters: map[string]string{
			"gamma":      "RBF kernel width (default 1/dims)",
			"n_features": "random Fourier feature count (default 128)",
		},
		BestFor: "smooth decision boundaries on small datasets",
		Legacy:  true,
	}, func(cfg Config) Detector {
		return &ocsvm{
			gamma:     cfg.Params.floatOr("gamma", 0),
			nFeatures: cfg.Params.intOr("n_features", 128),
			seed:      cfg.Seed,
		}
	})
}

// ocsvm approximates an RBF one-class SVM through random Fourier
// features: training data is mapped into the feature space and a point's
// score is its distance to the training centroid there, which tracks the
// kernel mean embedding distance.
type ocsvm struct {
	gamma     float64
	nFeatures int
	seed      int64

	weights  [][]float64 // nFeatures x dims
	offsets  []float64
	centroid []float64
}

func (o *ocsvm) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	dims := len(X[0])

	gamma := o.gamma
	if gamma <= 0 {
		gamma = 1 / float64(dims)
	}

	seed := o.seed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	// w ~ N(0, 2*gamma*I), b ~ U[0, 2pi) gives phi(x) = sqrt(2/D) cos(wx+b)
	// with E[phi(x)phi(y)] = exp(-gamma*||x-y||^2).
	scale := math.Sqrt(2 * gamma)
	o.weights = make([][]float64, o.nFeatures)
	o.offsets = make([]float64, o.nFeatures)
	for i := range o.weights {
		w := make([]float64, dims)
		for d := range w {
			w[d] = rng.NormFloat64() * scale
		}
		o.weights[i] = w
		o.offsets[i] = rng.Float64() * 2 * math.Pi
	}

	o.centroid = make([]float64, o.nFeatures)
	for _, row := range X {
		phi := o.transform(row)
		for i, v := range phi {
			o.centroid[i] += v
		}
	}
	for i := range o.centroid {
		o.centroid[i] /= float64(len(X))
	}
	return nil
}

func (o *ocsvm) transform(row []float64) []float64 {
	phi := make([]float64, o.nFeatures)
	norm := math.Sqrt(2 / float64(o.nFeatures))
	for i, w := range o.weights {
		var dot float64
		for d, v := range row {
			dot += w[d] * v
		}
		phi[i] = norm * math.Cos(dot+o.offsets[i])
	}
	return phi
}

func (o *ocsvm) DecisionFunction(X [][]float64) ([]float64, error) {
	if o.centroid == nil {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(o.weights[0]) {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", i, len(row), len(o.weights[0]))
		}
		scores[i] = euclidean(o.transform(row), o.centroid)
	}
	return scores, nil
}

func (o *ocsvm) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(o, X)
}
