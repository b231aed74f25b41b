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

// Package ocr exposes text recognition through interchangeable engines:
// tesseract as a subprocess and surya/easyocr/paddleocr as HTTP
// services. Every engine normalizes its output to the same box shape.
package ocr

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Box is a recognized text region with axis-aligned corners.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the recognition output for one image.
type Result struct {
	Text       string   `json:"text"`
	Boxes      []Box    `json:"boxes,omitempty"`
	Confidence float64  `json:"confidence"`
	Engine     string   `json:"engine"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Options tune a single Recognize call.
type Options struct {
	// Languages overrides the engine's init-time languages. Only
	// tesseract honors this per request; other engines keep their
	// configured languages and attach a warning.
	Languages []string `json:"languages,omitempty"`
	// DetectLayout asks the engine for reading-order layout analysis
	// where supported.
	DetectLayout bool `json:"detect_layout,omitempty"`
	// ReturnBoxes includes per-line boxes in the results.
	ReturnBoxes bool `json:"return_boxes,omitempty"`
}

// Engine recognizes text in images. Images are raw encoded bytes (PNG,
// JPEG); engines pass them through without decoding.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, images [][]byte, opts Options) ([]Result, error)
	Close() error
}

// EngineConfig selects and parameterizes an engine.
type EngineConfig struct {
	// Engine is one of tesseract, surya, easyocr, paddleocr.
	Engine string `json:"engine"`
	// Languages are ISO-639-1 codes fixed at init time.
	Languages []string `json:"languages,omitempty"`
	// BaseURL locates the HTTP service for non-tesseract engines.
	BaseURL string `json:"base_url,omitempty"`
	// Binary overrides the tesseract executable path.
	Binary string `json:"binary,omitempty"`
}

// EngineNames lists supported engines sorted alphabetically.
func EngineNames() []string {
	names := []string{"tesseract", "surya", "easyocr", "paddleocr"}
	sort.Strings(names)
	return names
}

// NewEngine builds the configured engine. Defaults: engine tesseract,
// language en.
func NewEngine(cfg EngineConfig) (Engine, error) {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"en"}
	}

	switch strings.ToLower(cfg.Engine) {
	case "", "tesseract":
		return newTesseract(cfg.Binary, langs)
	case "surya", "easyocr", "paddleocr":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("engine %q requires base_url", cfg.Engine)
		}
		return newServiceEngine(strings.ToLower(cfg.Engine), cfg.BaseURL, langs), nil
	default:
		return nil, fmt.Errorf("unknown ocr engine %q (supported: %s)", cfg.Engine, strings.Join(EngineNames(), ", "))
	}
}

// joinText flattens box texts into the whole-image text, preserving
// line order.
func joinText(boxes []Box) string {
	lines := make([]string, 0, len(boxes))
	for _, b := range boxes {
		if b.Text != "" {
			lines = append(lines, b.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// meanConfidence averages box confidences; zero boxes yields zero.
func meanConfidence(boxes []Box) float64 {
	if len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}
