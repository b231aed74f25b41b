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

	"github.com/llamafarm/llamafarm/pkg/ocr"
)

// ocrWrapper holds one initialized OCR engine. Engine selection and
// default languages are fixed at load; callers may still override
// languages per request where the engine supports it.
type ocrWrapper struct {
	modelID string
	cfg     ocr.EngineConfig
	engine  ocr.Engine
}

// NewOCR builds a wrapper over an OCR engine configuration. modelID is
// the engine name as requested (e.g. "tesseract", "surya").
func NewOCR(modelID string, cfg ocr.EngineConfig) *ocrWrapper {
	return &ocrWrapper{modelID: modelID, cfg: cfg}
}

func (w *ocrWrapper) Load(ctx context.Context) error {
	engine, err := ocr.NewEngine(w.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize ocr engine: %w", err)
	}
	w.engine = engine
	return nil
}

func (w *ocrWrapper) Unload(ctx context.Context) error {
	if w.engine == nil {
		return nil
	}
	err := w.engine.Close()
	w.engine = nil
	return err
}

func (w *ocrWrapper) Kind() string { return KindOCR }

func (w *ocrWrapper) SupportsStreaming() bool { return false }

func (w *ocrWrapper) Info() Info {
	return Info{
		Kind:    KindOCR,
		ModelID: w.modelID,
		Details: map[string]any{
			"engine":    w.cfg.Engine,
			"languages": w.cfg.Languages,
		},
	}
}

func (w *ocrWrapper) Recognize(ctx context.Context, images [][]byte, opts ocr.Options) ([]ocr.Result, error) {
	if w.engine == nil {
		return nil, fmt.Errorf("ocr engine %s is not loaded", w.modelID)
	}
	return w.engine.Recognize(ctx, images, opts)
}
