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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds process-level configuration sourced from the environment.
type Settings struct {
	DataDir          string        // LF_DATA_DIR, default ~/.llamafarm
	ProjectsDir      string        // LF_PROJECTS_DIR, default {DataDir}/projects
	HFCacheDir       string        // LF_HF_CACHE, default ~/.cache/huggingface/hub
	LlamaServerBin   string        // LF_LLAMA_SERVER_BIN, default llama-server
	UnloadTimeout    time.Duration // MODEL_UNLOAD_TIMEOUT seconds, default 300
	CleanupInterval  time.Duration // CLEANUP_CHECK_INTERVAL seconds, default 30
	MaxCachedModels  int           // LF_MAX_CACHED_MODELS, default 8
	Host             string        // LF_HOST, default 0.0.0.0
	Port             int           // LF_PORT, default 8000
	AcceleratorHint  string        // LF_ACCELERATOR, empty = autodetect
	FileCacheTTL     time.Duration // LF_FILE_CACHE_TTL seconds, default 3600
	AnomalyModelsDir string        // derived: {DataDir}/anomaly_models
	LogsDir          string        // derived: {DataDir}/logs
}

// LoadEnvFiles loads .env.local and .env if present. Values already set in
// the environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// SettingsFromEnv builds Settings from the process environment, applying
// documented defaults.
func SettingsFromEnv() (*Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	s := &Settings{
		DataDir:         envOr("LF_DATA_DIR", filepath.Join(home, ".llamafarm")),
		HFCacheDir:      envOr("LF_HF_CACHE", filepath.Join(home, ".cache", "huggingface", "hub")),
		LlamaServerBin:  envOr("LF_LLAMA_SERVER_BIN", "llama-server"),
		UnloadTimeout:   envSeconds("MODEL_UNLOAD_TIMEOUT", 300),
		CleanupInterval: envSeconds("CLEANUP_CHECK_INTERVAL", 30),
		MaxCachedModels: envInt("LF_MAX_CACHED_MODELS", 8),
		Host:            envOr("LF_HOST", "0.0.0.0"),
		Port:            envInt("LF_PORT", 8000),
		AcceleratorHint: os.Getenv("LF_ACCELERATOR"),
		FileCacheTTL:    envSeconds("LF_FILE_CACHE_TTL", 3600),
	}

	s.ProjectsDir = envOr("LF_PROJECTS_DIR", filepath.Join(s.DataDir, "projects"))
	s.AnomalyModelsDir = filepath.Join(s.DataDir, "anomaly_models")
	s.LogsDir = filepath.Join(s.DataDir, "logs")

	if s.UnloadTimeout <= 0 {
		return nil, fmt.Errorf("MODEL_UNLOAD_TIMEOUT must be positive")
	}
	if s.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_CHECK_INTERVAL must be positive")
	}
	if s.MaxCachedModels <= 0 {
		return nil, fmt.Errorf("LF_MAX_CACHED_MODELS must be positive")
	}

	return s, nil
}

// EnsureDirs creates the data directories the runtime writes to.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.DataDir, s.ProjectsDir, s.AnomalyModelsDir, s.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ProjectDir resolves the on-disk directory for a namespace/name pair,
// rejecting identifiers that could escape the projects root.
func (s *Settings) ProjectDir(namespace, name string) (string, error) {
	if err := ValidateIdentifier(namespace); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}

	dir := filepath.Join(s.ProjectsDir, namespace, name)
	root, err := filepath.Abs(s.ProjectsDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if abs != root && !isWithin(root, abs) {
		return "", fmt.Errorf("project path escapes projects root")
	}
	return abs, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
