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

// languageWrapper proxies a running OpenAI-compatible upstream
// (lemonade, vLLM, LM Studio, Ollama's /v1). Load only probes; nothing
// is spawned and Unload drops the handle.
type languageWrapper struct {
	modelID string
	baseURL string
	proxy   *openaiProxy
}

// NewLanguage builds a wrapper over an already-running upstream.
func NewLanguage(modelID, baseURL, apiKey string) LanguageModel {
	return &languageWrapper{
		modelID: modelID,
		baseURL: baseURL,
		proxy:   newOpenAIProxy(baseURL, apiKey),
	}
}

func (w *languageWrapper) Load(ctx context.Context) error {
	if w.proxy == nil {
		return fmt.Errorf("wrapper already unloaded")
	}
	return w.proxy.probe(ctx)
}

func (w *languageWrapper) Unload(ctx context.Context) error {
	w.proxy = nil
	return nil
}

func (w *languageWrapper) Kind() string { return KindLanguage }

func (w *languageWrapper) SupportsStreaming() bool { return true }

func (w *languageWrapper) Info() Info {
	return Info{
		Kind:    KindLanguage,
		ModelID: w.modelID,
		Details: map[string]any{"base_url": w.baseURL},
	}
}

func (w *languageWrapper) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	if req.Model == "" {
		req.Model = w.modelID
	}
	return w.proxy.chat(ctx, req)
}

func (w *languageWrapper) GenerateStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	if req.Model == "" {
		req.Model = w.modelID
	}
	return w.proxy.chatStream(ctx, req)
}
