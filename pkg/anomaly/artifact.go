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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact is the on-disk form of a fitted model. The training matrix is
// kept so a load can refit the backend deterministically; normalization
// stats and the threshold are restored verbatim.
type Artifact struct {
	Config    Config      `json:"config"`
	Norm      NormStats   `json:"normalization_stats"`
	Threshold float64     `json:"threshold"`
	Train     [][]float64 `json:"training_data"`
}

// resolveArtifactPath joins name under dir and rejects any path that
// escapes dir after absolute and symlink resolution.
func resolveArtifactPath(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("artifact name cannot be empty")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absDir); err == nil {
		absDir = resolved
	}

	path := filepath.Join(absDir, name)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	rel, err := filepath.Rel(absDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("artifact path %q escapes %q", name, dir)
	}
	return path, nil
}

// SaveArtifact writes a fitted model under dir. name may contain
// subdirectories but must stay inside dir.
func SaveArtifact(dir, name string, m *Model, train [][]float64) error {
	if !m.fitted {
		return ErrNotFitted
	}
	path, err := resolveArtifactPath(dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	data, err := json.MarshalIndent(Artifact{
		Config:    m.cfg,
		Norm:      m.norm,
		Threshold: m.threshold,
		Train:     train,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadArtifact restores a model saved with SaveArtifact. The backend is
// refit on the stored training matrix; normalization stats and threshold
// come from the artifact so scores match the saved model.
func LoadArtifact(dir, name string) (*Model, error) {
	path, err := resolveArtifactPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %q: %w", name, err)
	}
	if len(art.Train) == 0 {
		return nil, fmt.Errorf("artifact %q has no training data", name)
	}

	m, err := New(art.Config)
	if err != nil {
		return nil, err
	}
	if err := m.Fit(art.Train); err != nil {
		return nil, fmt.Errorf("failed to refit artifact %q: %w", name, err)
	}
	m.norm = art.Norm
	m.threshold = art.Threshold
	return m, nil
}
