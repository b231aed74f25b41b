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

// Package filecache stores uploaded files on disk with a TTL, probing
// PDFs for page counts and optionally rasterizing them to per-page
// images for OCR.
package filecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/llamafarm/llamafarm/pkg/logger"
)

// ErrNotFound is returned for unknown or expired file ids.
var ErrNotFound = errors.New("file not found")

// DefaultTTL is how long uploads stay cached.
const DefaultTTL = 30 * time.Minute

// Entry describes one cached upload.
type Entry struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Pages       int       `json:"pages,omitempty"` // PDFs only
	PageImages  []string  `json:"page_images,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`

	path string
}

// Path returns the on-disk location of the cached bytes.
func (e Entry) Path() string { return e.path }

// Cache is a TTL-bounded upload store rooted in one directory.
type Cache struct {
	dir string
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	rasterize Rasterizer

	stop chan struct{}
	done chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRasterizer overrides the pdftoppm-based page rasterizer.
func WithRasterizer(r Rasterizer) Option {
	return func(c *Cache) { c.rasterize = r }
}

// New builds a cache rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file cache directory: %w", err)
	}
	c := &Cache{
		dir:       dir,
		ttl:       DefaultTTL,
		entries:   make(map[string]*Entry),
		rasterize: pdftoppmRasterizer,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.janitor()
	return c, nil
}

// Put stores data and returns its entry. PDF uploads get a page count;
// rasterize additionally renders each page to a PNG next to the upload.
func (c *Cache) Put(ctx context.Context, filename, contentType string, data []byte, rasterize bool) (Entry, error) {
	id := uuid.NewString()
	path := filepath.Join(c.dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("failed to store upload: %w", err)
	}

	entry := &Entry{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		ExpiresAt:   time.Now().Add(c.ttl),
		path:        path,
	}

	if isPDF(filename, contentType, data) {
		if pages, err := pdfPageCount(data); err != nil {
			logger.GetLogger("filecache").Warn("pdf probe failed", "filename", filename, "error", err)
		} else {
			entry.Pages = pages
		}
		if rasterize {
			images, err := c.rasterize(ctx, path, filepath.Join(c.dir, id+"-pages"))
			if err != nil {
				os.Remove(path)
				return Entry{}, fmt.Errorf("failed to rasterize pdf: %w", err)
			}
			entry.PageImages = images
		}
	}

	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()
	return *entry, nil
}

// Get returns the entry for id. Expired entries report ErrNotFound.
func (c *Cache) Get(id string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return Entry{}, fmt.Errorf("file %q: %w", id, ErrNotFound)
	}
	return *entry, nil
}

// Read returns the cached bytes for id.
func (c *Cache) Read(id string) ([]byte, error) {
	entry, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(entry.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached file: %w", err)
	}
	return data, nil
}

// Delete removes id and its files.
func (c *Cache) Delete(id string) error {
	c.mu.Lock()
	entry, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("file %q: %w", id, ErrNotFound)
	}
	c.removeFiles(entry)
	return nil
}

// List snapshots live entries sorted by id.
func (c *Cache) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if now.After(e.ExpiresAt) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the janitor and removes all cached files.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	for _, e := range entries {
		c.removeFiles(e)
	}
}

func (c *Cache) removeFiles(e *Entry) {
	os.Remove(e.path)
	if len(e.PageImages) > 0 {
		os.RemoveAll(filepath.Join(c.dir, e.ID+"-pages"))
	}
}

// janitor evicts expired entries once a minute.
func (c *Cache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.evictExpired(now)
		}
	}
}

func (c *Cache) evictExpired(now time.Time) {
	c.mu.Lock()
	var expired []*Entry
	for id, e := range c.entries {
		if now.After(e.ExpiresAt) {
			expired = append(expired, e)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.removeFiles(e)
	}
}

func isPDF(filename, contentType string, data []byte) bool {
	if contentType == "application/pdf" {
		return true
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// pdfPageCount parses the document just far enough to count pages.
func pdfPageCount(data []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}
