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

// Package anomaly provides unsupervised outlier detectors behind a
// uniform adapter, score normalization, and a streaming tick/tock
// detector with background retraining.
package anomaly

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Detector is the uniform adapter every backend implements. X is
// row-major; rows are observations.
type Detector interface {
	// Fit trains on X and derives the decision threshold.
	Fit(X [][]float64) error
	// DecisionFunction returns one raw score per row; higher means more
	// anomalous.
	DecisionFunction(X [][]float64) ([]float64, error)
	// Predict returns 1 for anomalies and 0 for inliers, using the
	// threshold derived at fit time.
	Predict(X [][]float64) ([]int, error)
}

// ErrNotFitted is returned when scoring precedes training.
var ErrNotFitted = errors.New("detector is not fitted")

// BackendInfo describes a registered backend for the /v1/anomaly/backends
// listing.
type BackendInfo struct {
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	Speed      string            `json:"speed"`
	Memory     string            `json:"memory"`
	Parameters map[string]string `json:"parameters"`
	BestFor    string            `json:"best_for"`
	Legacy     bool              `json:"legacy,omitempty"`
}

// Params are backend hyperparameters; unknown keys are ignored.
type Params map[string]any

type backendEntry struct {
	info    BackendInfo
	factory func(cfg Config) Detector
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]backendEntry{}
)

func registerBackend(info BackendInfo, factory func(cfg Config) Detector) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[info.Name] = backendEntry{info: info, factory: factory}
}

// Backends lists registered backends sorted by name.
func Backends() []BackendInfo {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	out := make([]BackendInfo, 0, len(backends))
	for _, e := range backends {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Config selects and parameterizes a detector.
type Config struct {
	// Backend names a registered backend; default ecod.
	Backend string `json:"backend"`
	// Contamination is the expected anomaly fraction used to derive the
	// threshold when none is given. Default 0.1.
	Contamination float64 `json:"contamination"`
	// Threshold overrides the derived threshold when > 0 is meaningful
	// for the caller; nil means auto.
	Threshold *float64 `json:"threshold,omitempty"`
	// Normalization is one of standardization (default), zscore, raw.
	Normalization Normalization `json:"normalization"`
	// Params carries backend hyperparameters.
	Params Params `json:"params,omitempty"`
	// Seed makes stochastic backends reproducible; 0 means seeded from
	// entropy.
	Seed int64 `json:"seed,omitempty"`
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = "ecod"
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		c.Contamination = 0.1
	}
	if c.Normalization == "" {
		c.Normalization = NormStandardization
	}
}

// New builds the named backend wrapped with score normalization and
// threshold derivation.
func New(cfg Config) (*Model, error) {
	cfg.setDefaults()

	backendsMu.RLock()
	entry, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown anomaly backend %q", cfg.Backend)
	}

	return &Model{
		cfg:     cfg,
		backend: entry.factory(cfg),
	}, nil
}

// Model wraps a backend with normalization stats and a threshold so
// scores from successive retrains stay comparable.
type Model struct {
	cfg     Config
	backend Detector
	fitted  bool

	norm      NormStats
	threshold float64
}

// Fit trains the backend, recomputes normalization stats from the
// training scores, and derives the threshold.
func (m *Model) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("training set cannot be empty")
	}
	if err := m.backend.Fit(X); err != nil {
		return err
	}

	raw, err := m.backend.DecisionFunction(X)
	if err != nil {
		return err
	}

	m.norm = ComputeNormStats(raw)
	normalized := NormalizeScores(raw, m.cfg.Normalization, m.norm)

	if m.cfg.Threshold != nil {
		m.threshold = *m.cfg.Threshold
	} else {
		m.threshold = Quantile(normalized, 1-m.cfg.Contamination)
	}
	m.fitted = true
	return nil
}

// Fitted reports whether Fit has succeeded.
func (m *Model) Fitted() bool { return m.fitted }

// Threshold returns the active decision threshold.
func (m *Model) Threshold() float64 { return m.threshold }

// NormStats returns the normalization statistics from the last fit.
func (m *Model) NormStats() NormStats { return m.norm }

// Score returns normalized scores; higher means more anomalous.
func (m *Model) Score(X [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	raw, err := m.backend.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	return NormalizeScores(raw, m.cfg.Normalization, m.norm), nil
}

// Predict labels rows: strictly greater than the threshold is an
// anomaly; equal is not.
func (m *Model) Predict(X [][]float64) ([]int, error) {
	scores, err := m.Score(X)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(scores))
	for i, s := range scores {
		if s > m.threshold {
			labels[i] = 1
		}
	}
	return labels, nil
}
