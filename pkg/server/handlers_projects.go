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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/llamafarm/llamafarm/pkg/agent"
	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/rag"
	"github.com/llamafarm/llamafarm/pkg/runtime"
	"github.com/llamafarm/llamafarm/pkg/tools"
)

func (s *Server) handleProjectConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	// The manipulator view reflects applied but unsaved changes too.
	cfg, err := p.Manipulator.Project()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleProjectSchema(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.project(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, config.Schema())
}

type changesRequest struct {
	Changes []config.Change `json:"changes"`
}

func (s *Server) handleProjectChanges(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req changesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "changes are required")
		return
	}

	if err := p.Manipulator.ApplyChangeset(req.Changes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.Manipulator.Save(); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": len(req.Changes),
		"diff":    p.Manipulator.Diff(),
	})
}

func (s *Server) handleProjectDiff(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": p.Manipulator.Diff()})
}

type projectChatRequest struct {
	Model     string                `json:"model"`
	Messages  []runtime.ChatMessage `json:"messages"`
	Stream    bool                  `json:"stream"`
	SessionID string                `json:"session_id"`

	RAGEnabled        bool     `json:"rag_enabled"`
	RAGQueries        []string `json:"rag_queries"`
	Database          string   `json:"database"`
	Dataset           string   `json:"dataset"`
	RetrievalStrategy string   `json:"retrieval_strategy"`
	TopK              int      `json:"top_k"`
}

func (s *Server) handleProjectChat(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req projectChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var userMessage string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			userMessage = msg.Content
		}
	}
	if userMessage == "" {
		writeError(w, http.StatusBadRequest, "a user message is required")
		return
	}
	if _, err := p.Config.FindModel(req.Model); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	turn := agent.Request{
		Model:       req.Model,
		SessionID:   req.SessionID,
		UserMessage: userMessage,
	}
	if req.RAGEnabled {
		turn.RAG = &agent.RAGOptions{
			Enabled:  true,
			Queries:  req.RAGQueries,
			Database: req.Database,
			Dataset:  req.Dataset,
			TopK:     req.TopK,
			Strategy: req.RetrievalStrategy,
		}
	}

	chunks, err := p.Orchestrator().StreamChat(r.Context(), turn)
	if err != nil {
		mapError(w, err)
		return
	}

	if !req.Stream {
		var sb strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				mapError(w, chunk.Err)
				return
			}
			sb.WriteString(chunk.Text)
		}
		writeJSON(w, http.StatusOK, runtime.ChatResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []runtime.ChatChoice{{
				Message:      runtime.ChatMessage{Role: "assistant", Content: sb.String()},
				FinishReason: "stop",
			}},
		})
		return
	}

	stream, ok := startSSE(w)
	if !ok {
		return
	}
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	for chunk := range chunks {
		if chunk.Err != nil {
			stream.send(errorBody{Detail: chunk.Err.Error()})
			return
		}
		stream.send(chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chatChunkChoice{{Delta: chunkDelta{Content: chunk.Text}}},
		})
	}
	stream.done()
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	sessions, err := p.Orchestrator().History().List()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := p.Orchestrator().History().Reset(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session_id": sessionID})
}

type ragQueryRequest struct {
	Query             string   `json:"query"`
	Queries           []string `json:"queries"`
	Database          string   `json:"database"`
	Dataset           string   `json:"dataset"`
	TopK              int      `json:"top_k"`
	RetrievalStrategy string   `json:"retrieval_strategy"`
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req ragQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.projects.searcher == nil {
		writeError(w, http.StatusInternalServerError, "no retrieval backend configured")
		return
	}

	queries := req.Queries
	if len(queries) == 0 {
		if req.Query == "" {
			writeError(w, http.StatusBadRequest, "query is required")
			return
		}
		queries = []string{req.Query}
	}

	base := rag.Params{
		ProjectDir: p.Dir,
		Database:   req.Database,
		Dataset:    req.Dataset,
		TopK:       req.TopK,
		Strategy:   req.RetrievalStrategy,
	}
	results, err := rag.RunQueries(r.Context(), s.projects.searcher, base, queries, 0)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDatasetsList(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	datasets := p.Config.Datasets
	if datasets == nil {
		datasets = []config.Dataset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": datasets})
}

// datasetFileMeta is the sidecar written next to each stored blob.
type datasetFileMeta struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Dataset     string    `json:"dataset"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func (s *Server) handleDatasetUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "dataset")
	if _, found := p.Config.FindDataset(name); !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("dataset %q not found", name))
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	rawDir := filepath.Join(p.Dir, "lf_data", "raw")
	metaDir := filepath.Join(p.Dir, "lf_data", "meta")
	for _, dir := range []string{rawDir, metaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			mapError(w, err)
			return
		}
	}

	var stored []datasetFileMeta
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

			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])
			// Content-addressed: re-uploads of identical bytes are no-ops.
			if err := os.WriteFile(filepath.Join(rawDir, hash), data, 0o644); err != nil {
				mapError(w, err)
				return
			}
			meta := datasetFileMeta{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        int64(len(data)),
				SHA256:      hash,
				Dataset:     name,
				UploadedAt:  time.Now().UTC(),
			}
			encoded, err := json.MarshalIndent(meta, "", "  ")
			if err != nil {
				mapError(w, err)
				return
			}
			if err := os.WriteFile(filepath.Join(metaDir, hash+".json"), encoded, 0o644); err != nil {
				mapError(w, err)
				return
			}
			stored = append(stored, meta)
		}
	}
	if len(stored) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"files": stored})
}

func (s *Server) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": p.MCP.ListServers()})
}

func (s *Server) handleMCPServerTools(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	server := chi.URLParam(r, "server")
	list, err := p.MCP.ListTools(r.Context(), server)
	if err != nil {
		if errors.Is(err, tools.ErrServerNotConfigured) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": server, "tools": list})
}
