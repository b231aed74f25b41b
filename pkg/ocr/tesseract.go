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
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner executes a command with stdin and returns stdout. Tests
// inject a fake; the default shells out.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// tesseract recognizes via the tesseract CLI, one invocation per image,
// reading the image from stdin and TSV word data from stdout.
type tesseract struct {
	binary string
	langs  []string // tesseract 3-letter names
	run    CommandRunner
}

func newTesseract(binary string, languages []string) (*tesseract, error) {
	if binary == "" {
		binary = "tesseract"
	}
	langs, err := toTesseractLang(languages)
	if err != nil {
		return nil, err
	}
	return &tesseract{binary: binary, langs: langs, run: execRunner}, nil
}

func (t *tesseract) Name() string { return "tesseract" }

func (t *tesseract) Close() error { return nil }

func (t *tesseract) Recognize(ctx context.Context, images [][]byte, opts Options) ([]Result, error) {
	langs := t.langs
	if len(opts.Languages) > 0 {
		override, err := toTesseractLang(opts.Languages)
		if err != nil {
			return nil, err
		}
		langs = override
	}

	args := []string{"stdin", "stdout", "-l", strings.Join(langs, "+")}
	if opts.DetectLayout {
		args = append(args, "--psm", "1")
	}
	args = append(args, "tsv")

	results := make([]Result, 0, len(images))
	for i, img := range images {
		out, err := t.run(ctx, img, t.binary, args...)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		boxes := parseTSV(string(out))
		res := Result{
			Text:       joinText(boxes),
			Confidence: meanConfidence(boxes),
			Engine:     t.Name(),
		}
		if opts.ReturnBoxes {
			res.Boxes = boxes
		}
		results = append(results, res)
	}
	return results, nil
}

// parseTSV extracts word boxes from tesseract TSV output. Columns:
// level page block par line word left top width height conf text.
// Word rows have level 5 and conf >= 0.
func parseTSV(out string) []Box {
	var boxes []Box
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 12 || fields[0] != "5" {
			continue
		}
		conf, err := strconv.ParseFloat(fields[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(fields[11])
		if text == "" {
			continue
		}
		left, err1 := strconv.ParseFloat(fields[6], 64)
		top, err2 := strconv.ParseFloat(fields[7], 64)
		width, err3 := strconv.ParseFloat(fields[8], 64)
		height, err4 := strconv.ParseFloat(fields[9], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		boxes = append(boxes, Box{
			X1:         left,
			Y1:         top,
			X2:         left + width,
			Y2:         top + height,
			Text:       text,
			Confidence: conf / 100,
		})
	}
	return boxes
}
