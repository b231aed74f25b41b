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

// Package hub manages the local model artifact cache: HuggingFace-style
// snapshot layout, identifier grammar, downloads with disk preflight, and
// deletion.
package hub

import (
	"fmt"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ModelID is a parsed model identifier of the form repo[:QUANTIZATION].
type ModelID struct {
	Repo         string
	Quantization string
}

// ParseModelID enforces the identifier grammar: one or two path segments
// of [A-Za-z0-9_.-]+, no "..", and at most one optional ":QUANT" suffix.
// The quantization token is opaque and uppercased.
func ParseModelID(id string) (ModelID, error) {
	if id == "" {
		return ModelID{}, fmt.Errorf("model id cannot be empty")
	}

	repo := id
	quant := ""
	if i := strings.IndexByte(id, ':'); i >= 0 {
		repo = id[:i]
		quant = id[i+1:]
		if quant == "" {
			return ModelID{}, fmt.Errorf("model id %q has an empty quantization suffix", id)
		}
		if strings.Contains(quant, ":") {
			return ModelID{}, fmt.Errorf("model id %q has multiple ':' separators", id)
		}
	}

	segments := strings.Split(repo, "/")
	if len(segments) > 2 {
		return ModelID{}, fmt.Errorf("model id %q has more than two path segments", id)
	}
	for _, seg := range segments {
		if seg == "" {
			return ModelID{}, fmt.Errorf("model id %q has an empty path segment", id)
		}
		if !segmentPattern.MatchString(seg) {
			return ModelID{}, fmt.Errorf("model id segment %q contains invalid characters", seg)
		}
		if strings.Contains(seg, "..") {
			return ModelID{}, fmt.Errorf("model id segment %q must not contain '..'", seg)
		}
	}

	return ModelID{Repo: repo, Quantization: strings.ToUpper(quant)}, nil
}

// CacheKey is the identifier used for model cache lookups: the repo with
// any quantization suffix stripped.
func (m ModelID) CacheKey() string {
	return m.Repo
}

// cacheDirName converts a repo id to the HF hub directory name,
// e.g. org/name -> models--org--name.
func cacheDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// repoFromCacheDir inverts cacheDirName; ok is false for foreign entries.
func repoFromCacheDir(dir string) (string, bool) {
	name, found := strings.CutPrefix(dir, "models--")
	if !found {
		return "", false
	}
	return strings.ReplaceAll(name, "--", "/"), true
}
