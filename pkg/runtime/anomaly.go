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

package runtime

import (
	"context"
	"fmt"

	"github.com/llamafarm/llamafarm/pkg/anomaly"
)

// anomalyWrapper exposes one fitted batch detector. Artifacts live only
// under the configured models directory; the artifact layer rejects
// escaping paths.
type anomalyWrapper struct {
	modelID   string
	artifacts string // anomaly models directory
	model     *anomaly.Model
}

// NewAnomaly builds a wrapper that loads a persisted detector artifact
// named modelID from artifactsDir.
func NewAnomaly(modelID, artifactsDir string) *anomalyWrapper {
	return &anomalyWrapper{modelID: modelID, artifacts: artifactsDir}
}

func (w *anomalyWrapper) Load(ctx context.Context) error {
	model, err := anomaly.LoadArtifact(w.artifacts, w.modelID+".json")
	if err != nil {
		return fmt.Errorf("failed to load anomaly model %s: %w", w.modelID, err)
	}
	w.model = model
	return nil
}

func (w *anomalyWrapper) Unload(ctx context.Context) error {
	w.model = nil
	return nil
}

func (w *anomalyWrapper) Kind() string { return KindAnomaly }

func (w *anomalyWrapper) SupportsStreaming() bool { return false }

func (w *anomalyWrapper) Info() Info {
	details := map[string]any{}
	if w.model != nil {
		details["threshold"] = w.model.Threshold()
	}
	return Info{Kind: KindAnomaly, ModelID: w.modelID, Details: details}
}

// Fit trains on X and persists the artifact.
func (w *anomalyWrapper) Fit(cfg anomaly.Config, X [][]float64) error {
	model, err := anomaly.New(cfg)
	if err != nil {
		return err
	}
	if err := model.Fit(X); err != nil {
		return err
	}
	if err := anomaly.SaveArtifact(w.artifacts, w.modelID+".json", model, X); err != nil {
		return fmt.Errorf("failed to persist anomaly model %s: %w", w.modelID, err)
	}
	w.model = model
	return nil
}

// Score returns normalized anomaly scores.
func (w *anomalyWrapper) Score(X [][]float64) ([]float64, error) {
	if w.model == nil {
		return nil, fmt.Errorf("anomaly model %s is not loaded", w.modelID)
	}
	return w.model.Score(X)
}

// Predict returns 0/1 labels against the model threshold.
func (w *anomalyWrapper) Predict(X [][]float64) ([]int, error) {
	if w.model == nil {
		return nil, fmt.Errorf("anomaly model %s is not loaded", w.modelID)
	}
	return w.model.Predict(X)
}
