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
	"sort"
	"sync"

	"github.com/llamafarm/llamafarm/pkg/registry"
)

// Manager owns the process-wide set of streaming detectors keyed by
// model id. Get-or-create is atomic so concurrent first requests for the
// same id share one detector.
type Manager struct {
	mu        sync.Mutex
	detectors *registry.BaseRegistry[*StreamingDetector]
}

// NewManager builds an empty manager.
func NewManager() *Manager {
	return &Manager{detectors: registry.NewBaseRegistry[*StreamingDetector]()}
}

// GetOrCreate returns the detector for id, creating it with cfg on first
// use. cfg is ignored for an existing detector.
func (m *Manager) GetOrCreate(id string, cfg StreamingConfig) (*StreamingDetector, error) {
	if id == "" {
		return nil, fmt.Errorf("model id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if det, ok := m.detectors.Get(id); ok {
		return det, nil
	}
	det, err := NewStreaming(id, cfg)
	if err != nil {
		return nil, err
	}
	if err := m.detectors.Register(id, det); err != nil {
		return nil, err
	}
	return det, nil
}

// Get returns the detector for id.
func (m *Manager) Get(id string) (*StreamingDetector, bool) {
	return m.detectors.Get(id)
}

// Delete removes the detector for id, waiting out any in-flight retrain.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	det, ok := m.detectors.Get(id)
	if ok {
		_ = m.detectors.Remove(id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("streaming detector %q: %w", id, registry.ErrNotFound)
	}
	det.Wait()
	return nil
}

// List snapshots stats for every detector, sorted by model id.
func (m *Manager) List() []StreamingStats {
	dets := m.detectors.List()
	out := make([]StreamingStats, 0, len(dets))
	for _, det := range dets {
		out = append(out, det.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Clear removes every detector.
func (m *Manager) Clear() {
	m.mu.Lock()
	dets := m.detectors.List()
	m.detectors.Clear()
	m.mu.Unlock()

	for _, det := range dets {
		det.Wait()
	}
}

// Close waits for all in-flight retrains; detectors stay registered.
func (m *Manager) Close() {
	for _, det := range m.detectors.List() {
		det.Wait()
	}
}
