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

	"gonum.org/v1/gonum/mat"
)

func init() {
	registerBackend(BackendInfo{
		Name:     "autoencoder",
		Category: "neural",
		Speed:    "slow",
		Memory:   "medium",
		Parameters: map[string]string{
			"hidden_units":  "bottleneck width (default max(2, dims/2))",
			"epochs":        "SGD epochs (default 50)",
			"learning_rate": "SGD step size (default 0.01)",
		},
		BestFor: "nonlinear feature interactions worth the training cost",
		Legacy:  true,
	}, func(cfg Config) Detector {
		return &autoencoder{
			hidden: cfg.Params.intOr("hidden_units", 0),
			epochs: cfg.Params.intOr("epochs", 50),
			lr:     cfg.Params.floatOr("learning_rate", 0.01),
			seed:   cfg.Seed,
		}
	})
}

// autoencoder is a single-hidden-layer tanh autoencoder trained with
// plain SGD; the anomaly score is the reconstruction error.
type autoencoder struct {
	hidden int
	epochs int
	lr     float64
	seed   int64

	w1 *mat.Dense // dims x hidden
	b1 []float64
	w2 *mat.Dense // hidden x dims
	b2 []float64

	mean, std []float64 // input scaling
}

func (a *autoencoder) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	dims := len(X[0])

	hidden := a.hidden
	if hidden <= 0 {
		hidden = dims / 2
		if hidden < 2 {
			hidden = 2
		}
	}

	a.fitScaling(X, dims)

	seed := a.seed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	initDense := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		limit := math.Sqrt(6 / float64(r+c))
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		return mat.NewDense(r, c, data)
	}
	a.w1 = initDense(dims, hidden)
	a.b1 = make([]float64, hidden)
	a.w2 = initDense(hidden, dims)
	a.b2 = make([]float64, dims)

	order := make([]int, len(X))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < a.epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			a.sgdStep(a.scaleRow(X[idx]))
		}
	}
	return nil
}

func (a *autoencoder) fitScaling(X [][]float64, dims int) {
	a.mean = make([]float64, dims)
	a.std = make([]float64, dims)
	for _, row := range X {
		for d, v := range row {
			a.mean[d] += v
		}
	}
	for d := range a.mean {
		a.mean[d] /= float64(len(X))
	}
	for _, row := range X {
		for d, v := range row {
			diff := v - a.mean[d]
			a.std[d] += diff * diff
		}
	}
	for d := range a.std {
		a.std[d] = math.Sqrt(a.std[d] / float64(len(X)))
		if a.std[d] == 0 {
			a.std[d] = 1
		}
	}
}

func (a *autoencoder) scaleRow(row []float64) []float64 {
	out := make([]float64, len(row))
	for d, v := range row {
		out[d] = (v - a.mean[d]) / a.std[d]
	}
	return out
}

// sgdStep runs one forward/backward pass for a single scaled row.
func (a *autoencoder) sgdStep(x []float64) {
	dims := len(x)
	_, hidden := a.w1.Dims()

	// Forward: h = tanh(x W1 + b1), y = h W2 + b2
	h := make([]float64, hidden)
	for j := 0; j < hidden; j++ {
		s := a.b1[j]
		for d := 0; d < dims; d++ {
			s += x[d] * a.w1.At(d, j)
		}
		h[j] = math.Tanh(s)
	}
	y := make([]float64, dims)
	for d := 0; d < dims; d++ {
		s := a.b2[d]
		for j := 0; j < hidden; j++ {
			s += h[j] * a.w2.At(j, d)
		}
		y[d] = s
	}

	// Backward: squared-error loss.
	dy := make([]float64, dims)
	for d := range dy {
		dy[d] = y[d] - x[d]
	}
	dh := make([]float64, hidden)
	for j := 0; j < hidden; j++ {
		var s float64
		for d := 0; d < dims; d++ {
			s += dy[d] * a.w2.At(j, d)
		}
		dh[j] = s * (1 - h[j]*h[j])
	}

	for j := 0; j < hidden; j++ {
		for d := 0; d < dims; d++ {
			a.w2.Set(j, d, a.w2.At(j, d)-a.lr*dy[d]*h[j])
		}
	}
	for d := 0; d < dims; d++ {
		a.b2[d] -= a.lr * dy[d]
	}
	for d := 0; d < dims; d++ {
		for j := 0; j < hidden; j++ {
			a.w1.Set(d, j, a.w1.At(d, j)-a.lr*dh[j]*x[d])
		}
	}
	for j := 0; j < hidden; j++ {
		a.b1[j] -= a.lr * dh[j]
	}
}

func (a *autoencoder) DecisionFunction(X [][]float64) ([]float64, error) {
	if a.w1 == nil {
		return nil, ErrNotFitted
	}
	dims := len(a.mean)
	_, hidden := a.w1.Dims()

	scores := make([]float64, len(X))
	for i, raw := range X {
		if len(raw) != dims {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", i, len(raw), dims)
		}
		x := a.scaleRow(raw)

		h := make([]float64, hidden)
		for j := 0; j < hidden; j++ {
			s := a.b1[j]
			for d := 0; d < dims; d++ {
				s += x[d] * a.w1.At(d, j)
			}
			h[j] = math.Tanh(s)
		}

		var errSum float64
		for d := 0; d < dims; d++ {
			s := a.b2[d]
			for j := 0; j < hidden; j++ {
				s += h[j] * a.w2.At(j, d)
			}
			diff := s - x[d]
			errSum += diff * diff
		}
		scores[i] = math.Sqrt(errSum / float64(dims))
	}
	return scores, nil
}

func (a *autoencoder) Predict(X [][]float64) ([]int, error) {
	return predictByMedian(a, X)
}
