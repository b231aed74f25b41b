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
)

// defaultMaxBatch bounds one upstream embeddings call.
const defaultMaxBatch = 32

// encoderWrapper embeds through an upstream /v1/embeddings endpoint.
type encoderWrapper struct {
	modelID  string
	baseURL  string
	pooling  string
	maxBatch int
	proxy    *openaiProxy
}

// EncoderOption customizes an encoder wrapper.
type EncoderOption func(*encoderWrapper)

// WithPooling records the pooling strategy (mean or cls).
func WithPooling(p string) EncoderOption {
	return func(w *encoderWrapper) { w.pooling = p }
}

// WithMaxBatch overrides the per-call batch bound.
func WithMaxBatch(n int) EncoderOption {
	return func(w *encoderWrapper) {
		if n > 0 {
			w.maxBatch = n
		}
	}
}

// NewEncoder builds an embedding wrapper over a running upstream.
func NewEncoder(modelID, baseURL, apiKey string, opts ...EncoderOption) Encoder {
	w := &encoderWrapper{
		modelID:  modelID,
		baseURL:  baseURL,
		pooling:  "mean",
		maxBatch: defaultMaxBatch,
		proxy:    newOpenAIProxy(baseURL, apiKey),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *encoderWrapper) Load(ctx context.Context) error {
	if w.proxy == nil {
		return fmt.Errorf("wrapper already unloaded")
	}
	return w.proxy.probe(ctx)
}

func (w *encoderWrapper) Unload(ctx context.Context) error {
	w.proxy = nil
	return nil
}

func (w *encoderWrapper) Kind() string { return KindEncoder }

func (w *encoderWrapper) SupportsStreaming() bool { return false }

func (w *encoderWrapper) Info() Info {
	return Info{
		Kind:    KindEncoder,
		ModelID: w.modelID,
		Details: map[string]any{
			"base_url":  w.baseURL,
			"pooling":   w.pooling,
			"max_batch": w.maxBatch,
		},
	}
}

// Embed splits oversized inputs into maxBatch chunks and reassembles
// results in input order.
func (w *encoderWrapper) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	return embedBatched(ctx, w.proxy, w.modelID, texts, w.maxBatch)
}

func embedBatched(ctx context.Context, proxy *openaiProxy, model string, texts []string, maxBatch int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := proxy.embed(ctx, model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embeddings batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
