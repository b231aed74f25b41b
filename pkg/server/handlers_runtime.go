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
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/runtime"
)

// chatChunk is one OpenAI-wire streamed completion fragment.
type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

type chatChunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req runtime.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	wrapper, err := s.manager.Acquire(r.Context(), kindFor(req.Model, false), req.Model)
	if err != nil {
		mapError(w, err)
		return
	}
	lm, ok := wrapper.(runtime.LanguageModel)
	if !ok {
		writeError(w, http.StatusBadRequest, "model does not support chat")
		return
	}

	if !req.Stream {
		resp, err := lm.Generate(r.Context(), req)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	deltas, err := lm.GenerateStream(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	stream, ok := startSSE(w)
	if !ok {
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	for delta := range deltas {
		if delta.Err != nil {
			stream.send(errorBody{Detail: delta.Err.Error()})
			return
		}
		choice := chatChunkChoice{Delta: chunkDelta{Content: delta.Content}}
		if delta.FinishReason != "" {
			reason := delta.FinishReason
			choice.FinishReason = &reason
		}
		stream.send(chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chatChunkChoice{choice},
		})
		if delta.Done {
			break
		}
	}
	stream.done()
}

type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	// Input is either one string or a list of strings.
	var texts []string
	var single string
	if err := json.Unmarshal(req.Input, &single); err == nil {
		texts = []string{single}
	} else if err := json.Unmarshal(req.Input, &texts); err != nil {
		writeError(w, http.StatusBadRequest, "input must be a string or list of strings")
		return
	}
	if len(texts) == 0 {
		writeError(w, http.StatusBadRequest, "input cannot be empty")
		return
	}

	wrapper, err := s.manager.Acquire(r.Context(), kindFor(req.Model, true), req.Model)
	if err != nil {
		mapError(w, err)
		return
	}
	enc, ok := wrapper.(runtime.Encoder)
	if !ok {
		writeError(w, http.StatusBadRequest, "model does not support embeddings")
		return
	}

	vectors, err := enc.Embed(r.Context(), texts)
	if err != nil {
		mapError(w, err)
		return
	}

	data := make([]embeddingData, len(vectors))
	for i, vec := range vectors {
		data[i] = embeddingData{Object: "embedding", Index: i, Embedding: vec}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"model":  req.Model,
		"data":   data,
	})
}

func (s *Server) handleModelsList(w http.ResponseWriter, r *http.Request) {
	cached, err := hub.List(s.settings.HFCacheDir)
	if err != nil {
		// An absent cache dir just means nothing is downloaded yet.
		cached = nil
	}
	if cached == nil {
		cached = []hub.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   cached,
		"loaded": s.manager.Snapshot(),
	})
}

type downloadRequest struct {
	Model string   `json:"model"`
	Files []string `json:"files"`
}

func (s *Server) handleModelDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	total, warning, err := s.downloader.Preflight(r.Context(), req.Model, req.Files)
	if err != nil {
		if errors.Is(err, device.ErrInsufficientDisk) {
			writeError(w, http.StatusBadRequest, "Insufficient disk space: "+err.Error())
			return
		}
		mapError(w, err)
		return
	}

	check, err := s.checkDisk(s.settings.HFCacheDir, uint64(total))
	if err != nil {
		if errors.Is(err, device.ErrInsufficientDisk) {
			writeError(w, http.StatusBadRequest, "Insufficient disk space: "+err.Error())
			return
		}
		mapError(w, err)
		return
	}
	if warning == "" {
		warning = check.Warning
	}

	stream, ok := startSSE(w)
	if !ok {
		return
	}
	if warning != "" {
		stream.send(hub.Event{Event: "warning", Message: warning})
	}
	for ev := range s.downloader.Download(r.Context(), req.Model, req.Files) {
		stream.send(ev)
		if ev.Event == "error" {
			return
		}
	}
	stream.done()
}

func (s *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	id, err := hub.ParseModelID(name)
	if err != nil || !strings.Contains(id.Repo, "/") {
		writeError(w, http.StatusBadRequest, "only locally cached hub models can be deleted")
		return
	}

	if err := hub.Delete(s.settings.HFCacheDir, name); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "model": id.Repo})
}
