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
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxUploadBytes bounds multipart memory use for file and dataset
// uploads.
const maxUploadBytes = 64 << 20

// fileCache guards handlers against a cache that failed to initialize.
func (s *Server) fileCache(w http.ResponseWriter) bool {
	if s.files == nil {
		writeError(w, http.StatusInternalServerError, "file cache unavailable")
		return false
	}
	return true
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if !s.fileCache(w) {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	rasterize := r.FormValue("rasterize") == "true"
	entry, err := s.files.Put(r.Context(), header.Filename,
		header.Header.Get("Content-Type"), data, rasterize)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	if !s.fileCache(w) {
		return
	}
	entry, err := s.files.Get(chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	if !s.fileCache(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.files.Delete(id); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}
