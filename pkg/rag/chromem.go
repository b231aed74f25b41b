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

package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/llamafarm/llamafarm/pkg/logger"
)

// Embedder turns query text into vectors. The runtime's encoder
// wrappers satisfy it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultCollection = "documents"

// ChromemSearcher queries the embedded vector store persisted under
// {project_dir}/vectordb/. Embeddings are computed by the injected
// encoder; chromem never calls out on its own.
type ChromemSearcher struct {
	embedder Embedder

	mu  sync.Mutex
	dbs map[string]*chromem.DB // keyed by project dir
}

// NewChromemSearcher builds a library-mode searcher over the given
// encoder.
func NewChromemSearcher(embedder Embedder) *ChromemSearcher {
	return &ChromemSearcher{
		embedder: embedder,
		dbs:      make(map[string]*chromem.DB),
	}
}

// openDB loads (or creates) the per-project vector database.
func (s *ChromemSearcher) openDB(projectDir string) (*chromem.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[projectDir]; ok {
		return db, nil
	}

	dir := filepath.Join(projectDir, "vectordb")
	dbPath := filepath.Join(dir, "vectors.gob")

	var db *chromem.DB
	if _, err := os.Stat(dbPath); err == nil {
		db, err = chromem.NewPersistentDB(dbPath, false)
		if err != nil {
			logger.GetLogger("rag").Warn("failed to load vector database, starting empty",
				"path", dbPath, "error", err)
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	s.dbs[projectDir] = db
	return db, nil
}

// collectionName maps the database/dataset pair to a chromem
// collection.
func collectionName(p Params) string {
	switch {
	case p.Dataset != "":
		return p.Dataset
	case p.Database != "":
		return p.Database
	default:
		return defaultCollection
	}
}

// noEmbed guards against chromem computing embeddings itself; vectors
// always come from the encoder.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding requested from the store; vectors must be precomputed")
}

func (s *ChromemSearcher) Search(ctx context.Context, p Params) ([]Result, error) {
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}

	db, err := s.openDB(p.ProjectDir)
	if err != nil {
		return nil, err
	}
	col := db.GetCollection(collectionName(p), noEmbed)
	if col == nil {
		// No indexed documents yet.
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{p.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrSearchUnavailable, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("encoder returned %d vectors for one query", len(vecs))
	}

	topK := p.TopK
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, vecs[0], topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			Content:  hit.Content,
			Score:    float64(hit.Similarity),
			Metadata: metadata,
		})
	}
	return out, nil
}

// Index adds documents with precomputed content to the project store.
// The datasets upload path uses it after chunking.
func (s *ChromemSearcher) Index(ctx context.Context, projectDir, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	db, err := s.openDB(projectDir)
	if err != nil {
		return err
	}
	col, err := db.GetOrCreateCollection(collectionOrDefault(collection), nil, noEmbed)
	if err != nil {
		return fmt.Errorf("failed to open collection: %w", err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("encoder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	records := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		metadata := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = fmt.Sprint(v)
		}
		records[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  metadata,
			Embedding: vecs[i],
		}
	}
	if err := col.AddDocuments(ctx, records, 1); err != nil {
		return fmt.Errorf("failed to index documents: %w", err)
	}
	return nil
}

func collectionOrDefault(name string) string {
	if name == "" {
		return defaultCollection
	}
	return name
}

// Document is one chunk to index.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}
