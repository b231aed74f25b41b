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

	"github.com/go-chi/chi/v5"

	"github.com/llamafarm/llamafarm/pkg/anomaly"
	"github.com/llamafarm/llamafarm/pkg/buffer"
)

func (s *Server) handleAnomalyBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": anomaly.Backends()})
}

func (s *Server) handleStreamingList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.anomaly.List()})
}

type streamingProcessRequest struct {
	Record buffer.Record           `json:"record"`
	Index  int                     `json:"index"`
	Config anomaly.StreamingConfig `json:"config"`
}

func (s *Server) handleStreamingProcess(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var req streamingProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Record) == 0 {
		writeError(w, http.StatusBadRequest, "record is required")
		return
	}

	det, err := s.anomaly.GetOrCreate(modelID, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := det.Process(req.Record, req.Index)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type streamingBatchRequest struct {
	Records    []buffer.Record         `json:"records"`
	StartIndex int                     `json:"start_index"`
	Config     anomaly.StreamingConfig `json:"config"`
}

func (s *Server) handleStreamingProcessBatch(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var req streamingBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records are required")
		return
	}

	det, err := s.anomaly.GetOrCreate(modelID, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := det.ProcessBatch(req.Records, req.StartIndex)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStreamingReset(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	det, ok := s.anomaly.Get(modelID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("streaming detector %q not found", modelID))
		return
	}
	det.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "model_id": modelID})
}

func (s *Server) handleStreamingStats(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	det, ok := s.anomaly.Get(modelID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("streaming detector %q not found", modelID))
		return
	}
	writeJSON(w, http.StatusOK, det.Stats())
}

func (s *Server) handleStreamingDelete(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := s.anomaly.Delete(modelID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "model_id": modelID})
}
