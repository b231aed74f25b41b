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

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llamafarm/llamafarm/pkg/httpclient"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

// serviceEngine talks to a surya, easyocr or paddleocr sidecar over
// HTTP. The request shape is shared; each service's box shape is
// normalized in its decoder.
type serviceEngine struct {
	name    string
	baseURL string
	langs   []string
	client  *httpclient.Client
}

func newServiceEngine(name, baseURL string, languages []string) *serviceEngine {
	return &serviceEngine{
		name:    name,
		baseURL: baseURL,
		langs:   languages,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
}

func (s *serviceEngine) Name() string { return s.name }

func (s *serviceEngine) Close() error { return nil }

type serviceRequest struct {
	Images       []string `json:"images"` // base64
	Languages    []string `json:"languages,omitempty"`
	DetectLayout bool     `json:"detect_layout,omitempty"`
	ReturnBoxes  bool     `json:"return_boxes,omitempty"`
}

func (s *serviceEngine) Recognize(ctx context.Context, images [][]byte, opts Options) ([]Result, error) {
	var warnings []string
	if len(opts.Languages) > 0 {
		msg := fmt.Sprintf("%s uses init-time languages %v; per-request override ignored", s.name, s.langs)
		logger.GetLogger("ocr").Warn("language override ignored", "engine", s.name)
		warnings = append(warnings, msg)
	}

	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}
	body, err := json.Marshal(serviceRequest{
		Images:       encoded,
		Languages:    s.langs,
		DetectLayout: opts.DetectLayout,
		ReturnBoxes:  true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s service: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s service returned %d: %s", s.name, resp.StatusCode, string(msg))
	}

	results, err := s.decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", s.name, err)
	}
	for i := range results {
		results[i].Engine = s.name
		results[i].Warnings = warnings
		if results[i].Text == "" {
			results[i].Text = joinText(results[i].Boxes)
		}
		if results[i].Confidence == 0 {
			results[i].Confidence = meanConfidence(results[i].Boxes)
		}
		if !opts.ReturnBoxes {
			results[i].Boxes = nil
		}
	}
	return results, nil
}

// surya returns text lines with [x1,y1,x2,y2] bboxes; easyocr and
// paddleocr return 4-corner polygons that collapse to the bounding
// rectangle.
type serviceLine struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       []float64   `json:"bbox,omitempty"`
	Polygon    [][]float64 `json:"polygon,omitempty"`
}

type serviceResult struct {
	Lines []serviceLine `json:"lines"`
}

func (s *serviceEngine) decode(r io.Reader) ([]Result, error) {
	var payload struct {
		Results []serviceResult `json:"results"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, err
	}

	out := make([]Result, len(payload.Results))
	for i, res := range payload.Results {
		boxes := make([]Box, 0, len(res.Lines))
		for _, line := range res.Lines {
			box, err := normalizeLine(line)
			if err != nil {
				return nil, err
			}
			boxes = append(boxes, box)
		}
		out[i] = Result{Boxes: boxes}
	}
	return out, nil
}

func normalizeLine(line serviceLine) (Box, error) {
	box := Box{Text: line.Text, Confidence: line.Confidence}
	switch {
	case len(line.BBox) == 4:
		box.X1, box.Y1, box.X2, box.Y2 = line.BBox[0], line.BBox[1], line.BBox[2], line.BBox[3]
	case len(line.Polygon) >= 3:
		box.X1, box.Y1 = line.Polygon[0][0], line.Polygon[0][1]
		box.X2, box.Y2 = box.X1, box.Y1
		for _, pt := range line.Polygon {
			if len(pt) != 2 {
				return Box{}, fmt.Errorf("polygon point has %d coordinates", len(pt))
			}
			if pt[0] < box.X1 {
				box.X1 = pt[0]
			}
			if pt[0] > box.X2 {
				box.X2 = pt[0]
			}
			if pt[1] < box.Y1 {
				box.Y1 = pt[1]
			}
			if pt[1] > box.Y2 {
				box.Y2 = pt[1]
			}
		}
	default:
		return Box{}, fmt.Errorf("line %q has neither bbox nor polygon", line.Text)
	}
	return box, nil
}
