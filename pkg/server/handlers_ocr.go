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

package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/llamafarm/llamafarm/pkg/ocr"
	"github.com/llamafarm/llamafarm/pkg/runtime"
)

// ocrModel is the recognition surface of the OCR wrapper kind.
type ocrModel interface {
	runtime.Wrapper
	Recognize(ctx context.Context, images [][]byte, opts ocr.Options) ([]ocr.Result, error)
}

// defaultOCREngine runs when a request does not pick one.
const defaultOCREngine = "tesseract"

type ocrJSONRequest struct {
	FileIDs      []string `json:"file_ids"`
	Engine       string   `json:"engine"`
	Languages    []string `json:"languages"`
	DetectLayout bool     `json:"detect_layout"`
	ReturnBoxes  bool     `json:"return_boxes"`
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	var (
		images [][]byte
		engine string
		opts   ocr.Options
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		for _, headers := range r.MultipartForm.File {
			for _, header := range headers {
				file, err := header.Open()
				if err != nil {
					writeError(w, http.StatusBadRequest, "failed to open upload: "+err.Error())
					return
				}
				data, err := io.ReadAll(file)
				file.Close()
				if err != nil {
					writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
					return
				}
				images = append(images, data)
			}
		}
		engine = r.FormValue("engine")
		if langs := r.FormValue("languages"); langs != "" {
			opts.Languages = strings.Split(langs, ",")
		}
		opts.DetectLayout = r.FormValue("detect_layout") == "true"
		opts.ReturnBoxes = r.FormValue("return_boxes") == "true"
	} else {
		var req ocrJSONRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.FileIDs) > 0 && !s.fileCache(w) {
			return
		}
		for _, id := range req.FileIDs {
			entry, err := s.files.Get(id)
			if err != nil {
				mapError(w, err)
				return
			}
			// Rasterized PDFs contribute one image per page.
			if len(entry.PageImages) > 0 {
				for _, page := range entry.PageImages {
					data, err := os.ReadFile(page)
					if err != nil {
						mapError(w, err)
						return
					}
					images = append(images, data)
				}
				continue
			}
			data, err := s.files.Read(id)
			if err != nil {
				mapError(w, err)
				return
			}
			images = append(images, data)
		}
		engine = req.Engine
		opts = ocr.Options{
			Languages:    req.Languages,
			DetectLayout: req.DetectLayout,
			ReturnBoxes:  req.ReturnBoxes,
		}
	}

	if len(images) == 0 {
		writeError(w, http.StatusBadRequest, "no images provided")
		return
	}
	if engine == "" {
		engine = defaultOCREngine
	}

	wrapper, err := s.manager.Acquire(r.Context(), runtime.KindOCR, engine)
	if err != nil {
		mapError(w, err)
		return
	}
	om, ok := wrapper.(ocrModel)
	if !ok {
		writeError(w, http.StatusInternalServerError, "ocr wrapper missing recognition surface")
		return
	}

	results, err := om.Recognize(r.Context(), images, opts)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
