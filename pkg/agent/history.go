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

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/llms"
)

// Store persists per-session conversation history under
// {project_dir}/sessions/{session_id}/history.json. Session ids are
// validated against the identifier pattern so they cannot escape the
// project directory.
type Store struct {
	projectDir string
}

// NewStore builds a history store rooted at projectDir.
func NewStore(projectDir string) *Store {
	return &Store{projectDir: projectDir}
}

func (s *Store) sessionDir(sessionID string) (string, error) {
	if err := config.ValidateIdentifier(sessionID); err != nil {
		return "", fmt.Errorf("invalid session id: %w", err)
	}
	return filepath.Join(s.projectDir, "sessions", sessionID), nil
}

// Load returns the persisted history, or nil when the session has
// none.
func (s *Store) Load(sessionID string) ([]llms.Message, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "history.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var messages []llms.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}

// Save writes the full history atomically (temp file then rename).
func (s *Store) Save(sessionID string, messages []llms.Message) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "history.json")); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}

// Reset removes the persisted history for a session.
func (s *Store) Reset(sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// List returns the session ids with persisted history, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.projectDir, "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
