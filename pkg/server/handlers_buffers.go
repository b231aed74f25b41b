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
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/llamafarm/llamafarm/pkg/buffer"
)

// defaultBufferWindow applies when a create request omits the window.
const defaultBufferWindow = 1000

type bufferSummary struct {
	ID      string   `json:"id"`
	Window  int      `json:"window"`
	Len     int      `json:"len"`
	Total   int64    `json:"total"`
	Columns []string `json:"columns"`
}

func summarize(id string, buf *buffer.Buffer) bufferSummary {
	return bufferSummary{
		ID:      id,
		Window:  buf.Window(),
		Len:     buf.Len(),
		Total:   buf.Total(),
		Columns: buf.Columns(),
	}
}

func (s *Server) handleBuffersList(w http.ResponseWriter, r *http.Request) {
	ids := s.buffers.Keys()
	out := make([]bufferSummary, 0, len(ids))
	for _, id := range ids {
		if buf, ok := s.buffers.Get(id); ok {
			out = append(out, summarize(id, buf))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buffers": out})
}

type bufferCreateRequest struct {
	ID     string `json:"id"`
	Window int    `json:"window"`
}

func (s *Server) handleBufferCreate(w http.ResponseWriter, r *http.Request) {
	var req bufferCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Window == 0 {
		req.Window = defaultBufferWindow
	}

	id, buf, err := s.buffers.Create(req.ID, req.Window)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(id, buf))
}

// bufferFor resolves the routed buffer or writes a 404.
func (s *Server) bufferFor(w http.ResponseWriter, r *http.Request) (string, *buffer.Buffer, bool) {
	id := chi.URLParam(r, "id")
	buf, ok := s.buffers.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("buffer %q not found", id))
		return "", nil, false
	}
	return id, buf, true
}

func (s *Server) handleBufferGet(w http.ResponseWriter, r *http.Request) {
	id, buf, ok := s.bufferFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buffer": summarize(id, buf),
		"stats":  buf.Stats(),
	})
}

func (s *Server) handleBufferDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.buffers.Remove(id); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleBufferData(w http.ResponseWriter, r *http.Request) {
	_, buf, ok := s.bufferFor(w, r)
	if !ok {
		return
	}

	records := buf.Records()
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		records = buf.Latest(n)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   buf.Total(),
	})
}

type bufferAppendRequest struct {
	Record  buffer.Record   `json:"record,omitempty"`
	Records []buffer.Record `json:"records,omitempty"`
}

func (s *Server) handleBufferAppend(w http.ResponseWriter, r *http.Request) {
	id, buf, ok := s.bufferFor(w, r)
	if !ok {
		return
	}
	var req bufferAppendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var err error
	switch {
	case len(req.Records) > 0:
		err = buf.AppendBatch(req.Records)
	case len(req.Record) > 0:
		err = buf.Append(req.Record)
	default:
		writeError(w, http.StatusBadRequest, "record or records is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(id, buf))
}

func (s *Server) handleBufferFeatures(w http.ResponseWriter, r *http.Request) {
	_, buf, ok := s.bufferFor(w, r)
	if !ok {
		return
	}
	var opts buffer.FeatureOptions
	if !decodeJSON(w, r, &opts) {
		return
	}

	frame, err := buf.Features(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": frame.Columns(),
		"rows":    frame.Rows(),
		"records": frame.Records(),
	})
}
