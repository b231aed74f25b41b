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

// Package runtime loads, caches, and unloads model wrappers. A wrapper
// owns one model instance: an upstream HTTP proxy, a llama-server
// subprocess, an OCR engine, or an anomaly detector. The Manager
// deduplicates concurrent loads and evicts idle wrappers on a TTL.
package runtime

import (
	"context"
	"fmt"
)

// Kind names the wrapper families.
const (
	KindLanguage     = "language"
	KindLanguageGGUF = "language-gguf"
	KindEncoder      = "encoder"
	KindEncoderGGUF  = "encoder-gguf"
	KindOCR          = "ocr"
	KindAnomaly      = "anomaly"
)

// Wrapper is one loaded model. Wrappers are single-consumer: the router
// serializes calls per wrapper. Unload releases every resource the
// wrapper holds and nils its handles.
type Wrapper interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Kind() string
	SupportsStreaming() bool
	Info() Info
}

// Info describes a loaded wrapper for /v1/models.
type Info struct {
	Kind    string         `json:"kind"`
	ModelID string         `json:"model_id"`
	Details map[string]any `json:"details,omitempty"`
}

// ChatMessage is one OpenAI-wire conversation message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of the OpenAI chat surface the runtime
// forwards to language wrappers.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is a non-streaming completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Delta is one streamed fragment. Err terminates the stream; Done marks
// clean completion.
type Delta struct {
	Content      string
	FinishReason string
	Done         bool
	Err          error
}

// LanguageModel is the chat surface of language wrappers.
type LanguageModel interface {
	Wrapper
	Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	GenerateStream(ctx context.Context, req ChatRequest) (<-chan Delta, error)
}

// Encoder is the embedding surface of encoder wrappers.
type Encoder interface {
	Wrapper
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CacheKey builds the cache key for a wrapper kind and model id.
func CacheKey(kind, modelID string) string {
	return fmt.Sprintf("%s:%s", kind, modelID)
}
