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

// Package rag retrieves project-scoped context for chat requests. A
// Searcher answers one query; RunQueries fans several queries out,
// merges, deduplicates, and truncates.
package rag

import "context"

// Params scopes one retrieval call.
type Params struct {
	ProjectDir string `json:"project_dir"`
	Query      string `json:"query"`
	Database   string `json:"database,omitempty"`
	Dataset    string `json:"dataset,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
	Strategy   string `json:"retrieval_strategy,omitempty"`
}

// Result is one retrieved chunk.
type Result struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Searcher answers a single retrieval query.
type Searcher interface {
	Search(ctx context.Context, p Params) ([]Result, error)
}

// DefaultTopK applies when a request does not bound the result count.
const DefaultTopK = 5
