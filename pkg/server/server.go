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

// Package server exposes the runtime surface under /v1 and the
// project surface under /api/v1/projects/{namespace}/{name} on one chi
// router.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llamafarm/llamafarm/pkg/anomaly"
	"github.com/llamafarm/llamafarm/pkg/buffer"
	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/filecache"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/logger"
	"github.com/llamafarm/llamafarm/pkg/rag"
	"github.com/llamafarm/llamafarm/pkg/runtime"
)

// Server owns the HTTP surface and the long-lived subsystems behind
// it.
type Server struct {
	settings *config.Settings
	manager  *runtime.Manager
	buffers  *buffer.Registry
	anomaly  *anomaly.Manager
	files    *filecache.Cache
	projects *Projects

	downloader *hub.Downloader
	// checkDisk is swappable so tests can exercise the disk gate.
	checkDisk func(path string, size uint64) (device.DownloadCheck, error)

	http *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithDownloader overrides the model downloader.
func WithDownloader(d *hub.Downloader) Option {
	return func(s *Server) { s.downloader = d }
}

// WithDiskCheck overrides the download disk preflight.
func WithDiskCheck(fn func(string, uint64) (device.DownloadCheck, error)) Option {
	return func(s *Server) { s.checkDisk = fn }
}

// WithFileCache overrides the upload cache.
func WithFileCache(c *filecache.Cache) Option {
	return func(s *Server) { s.files = c }
}

// New assembles the server over its subsystems.
func New(settings *config.Settings, manager *runtime.Manager, searcher rag.Searcher, opts ...Option) *Server {
	s := &Server{
		settings:   settings,
		manager:    manager,
		buffers:    buffer.NewRegistry(),
		anomaly:    anomaly.NewManager(),
		projects:   NewProjects(settings.ProjectsDir, searcher),
		downloader: hub.NewDownloader(settings.HFCacheDir),
		checkDisk:  device.CheckDownload,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.files == nil {
		cache, err := filecache.New(filepath.Join(settings.DataDir, "files"),
			filecache.WithTTL(settings.FileCacheTTL))
		if err != nil {
			logger.GetLogger("server").Warn("file cache unavailable", "error", err)
		} else {
			s.files = cache
		}
	}
	return s
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Order: recover -> logging -> metrics -> cors
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)

		r.Get("/models", s.handleModelsList)
		r.Post("/models/download", s.handleModelDownload)
		// Wildcard so repo ids keep their org/name slash.
		r.Delete("/models/*", s.handleModelDelete)

		r.Get("/anomaly/backends", s.handleAnomalyBackends)
		r.Route("/anomaly/streaming", func(r chi.Router) {
			r.Get("/", s.handleStreamingList)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Post("/process", s.handleStreamingProcess)
				r.Post("/process_batch", s.handleStreamingProcessBatch)
				r.Post("/reset", s.handleStreamingReset)
				r.Get("/stats", s.handleStreamingStats)
				r.Delete("/", s.handleStreamingDelete)
			})
		})

		r.Post("/ocr", s.handleOCR)

		r.Route("/polars/buffers", func(r chi.Router) {
			r.Get("/", s.handleBuffersList)
			r.Post("/", s.handleBufferCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleBufferGet)
				r.Delete("/", s.handleBufferDelete)
				r.Get("/data", s.handleBufferData)
				r.Post("/append", s.handleBufferAppend)
				r.Post("/features", s.handleBufferFeatures)
			})
		})

		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.handleFileUpload)
			r.Get("/{id}", s.handleFileGet)
			r.Delete("/{id}", s.handleFileDelete)
		})
	})

	r.Route("/api/v1/projects/{namespace}/{name}", func(r chi.Router) {
		r.Get("/", s.handleProjectConfig)
		r.Get("/schema", s.handleProjectSchema)
		r.Post("/config/changes", s.handleProjectChanges)
		r.Get("/config/diff", s.handleProjectDiff)

		r.Post("/chat/completions", s.handleProjectChat)

		r.Get("/sessions", s.handleSessionsList)
		r.Delete("/sessions/{sessionID}", s.handleSessionReset)

		r.Post("/rag/query", s.handleRAGQuery)

		r.Get("/datasets", s.handleDatasetsList)
		r.Post("/datasets/{dataset}/files", s.handleDatasetUpload)

		r.Get("/mcp/servers", s.handleMCPServers)
		r.Get("/mcp/servers/{server}/tools", s.handleMCPServerTools)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.GetLogger("server").Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown drains HTTP first, then tears subsystems down in dependency
// order: runtime janitor and wrappers, MCP sessions, detectors, file
// cache.
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.GetLogger("server")

	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(ctx)
	}

	s.manager.Shutdown(ctx)
	s.projects.CloseAll()
	s.anomaly.Close()
	if s.files != nil {
		s.files.Close()
	}

	log.Info("shutdown complete")
	return httpErr
}

// project resolves the routed project or writes the error.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*Project, bool) {
	ns := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")
	p, err := s.projects.Get(r.Context(), ns, name)
	if err != nil {
		mapError(w, err)
		return nil, false
	}
	return p, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// kindFor picks the wrapper kind for a runtime-surface model id: ids
// that parse as hub model ids with a repo path run locally, anything
// else needs a configured upstream.
func kindFor(modelID string, embedding bool) string {
	if id, err := hub.ParseModelID(modelID); err == nil && strings.Contains(id.Repo, "/") {
		if embedding {
			return runtime.KindEncoderGGUF
		}
		return runtime.KindLanguageGGUF
	}
	if embedding {
		return runtime.KindEncoder
	}
	return runtime.KindLanguage
}
