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
	"fmt"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/ocr"
)

// UpstreamResolver maps a model id to the base URL and API key of a
// running OpenAI-compatible upstream, for the non-subprocess kinds.
type UpstreamResolver func(modelID string) (baseURL, apiKey string, ok bool)

// DefaultFactory wires every wrapper kind. GGUF kinds resolve from the
// local HF cache; plain language/encoder kinds need an upstream from
// the resolver; ocr treats the model id as the engine name.
func DefaultFactory(settings *config.Settings, upstream UpstreamResolver) Factory {
	return func(kind, modelID string) (Wrapper, error) {
		switch kind {
		case KindLanguage:
			base, key, ok := resolve(upstream, modelID)
			if !ok {
				return nil, fmt.Errorf("no upstream configured for model %q", modelID)
			}
			return NewLanguage(modelID, base, key), nil
		case KindLanguageGGUF:
			return NewLanguageGGUF(settings, modelID), nil
		case KindEncoder:
			base, key, ok := resolve(upstream, modelID)
			if !ok {
				return nil, fmt.Errorf("no upstream configured for model %q", modelID)
			}
			return NewEncoder(modelID, base, key), nil
		case KindEncoderGGUF:
			return NewEncoderGGUF(settings, modelID), nil
		case KindOCR:
			return NewOCR(modelID, ocr.EngineConfig{Engine: modelID}), nil
		case KindAnomaly:
			return NewAnomaly(modelID, settings.AnomalyModelsDir), nil
		default:
			return nil, fmt.Errorf("unknown wrapper kind %q", kind)
		}
	}
}

func resolve(upstream UpstreamResolver, modelID string) (string, string, bool) {
	if upstream == nil {
		return "", "", false
	}
	return upstream(modelID)
}
