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

package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/httpclient"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

// Event is one progress record on a download stream. The server forwards
// these as SSE data lines.
type Event struct {
	Event   string  `json:"event"` // started, progress, file_done, warning, error, done
	File    string  `json:"file,omitempty"`
	Total   int64   `json:"total,omitempty"`
	Done    int64   `json:"done,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Downloader fetches model files from the HuggingFace CDN into the local
// cache layout.
type Downloader struct {
	cacheDir string
	baseURL  string
	client   *httpclient.Client
	http     *http.Client
}

// DownloaderOption customizes a Downloader.
type DownloaderOption func(*Downloader)

// WithBaseURL overrides the artifact host; tests point it at a local
// server.
func WithBaseURL(url string) DownloaderOption {
	return func(d *Downloader) {
		d.baseURL = url
	}
}

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.http = c
	}
}

// NewDownloader builds a Downloader writing into cacheDir.
func NewDownloader(cacheDir string, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		cacheDir: cacheDir,
		baseURL:  "https://huggingface.co",
		http:     &http.Client{Timeout: 30 * time.Minute},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.client = httpclient.New(
		httpclient.WithHTTPClient(d.http),
		httpclient.WithMaxRetries(2),
	)
	return d
}

// Preflight checks total artifact size against free disk space via HEAD
// requests. It returns the summed size, a warning message when the
// post-download free fraction drops under 10%, and
// device.ErrInsufficientDisk when the files cannot fit.
func (d *Downloader) Preflight(ctx context.Context, repo string, files []string) (int64, string, error) {
	id, err := ParseModelID(repo)
	if err != nil {
		return 0, "", err
	}

	var total int64
	for _, file := range files {
		size, err := d.headSize(ctx, id.Repo, file)
		if err != nil {
			return 0, "", err
		}
		total += size
	}

	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	check, err := device.CheckDownload(d.cacheDir, uint64(total))
	if err != nil {
		return total, "", err
	}
	return total, check.Warning, nil
}

func (d *Downloader) headSize(ctx context.Context, repo, file string) (int64, error) {
	url := fmt.Sprintf("%s/%s/resolve/main/%s", d.baseURL, repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("preflight for %s failed: %w", file, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("preflight for %s failed with status %d", file, resp.StatusCode)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return size, nil
}

// Download fetches files into the snapshot layout, emitting events on the
// returned channel. The channel is closed when the download finishes or
// fails; an error event precedes the close on failure.
func (d *Downloader) Download(ctx context.Context, repo string, files []string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		d.run(ctx, repo, files, events)
	}()
	return events
}

func (d *Downloader) run(ctx context.Context, repo string, files []string, events chan<- Event) {
	log := logger.GetLogger("hub")

	id, err := ParseModelID(repo)
	if err != nil {
		events <- Event{Event: "error", Message: err.Error()}
		return
	}

	total, warning, err := d.Preflight(ctx, repo, files)
	if err != nil {
		events <- Event{Event: "error", Message: err.Error()}
		return
	}
	events <- Event{Event: "started", Total: total, Message: id.Repo}
	if warning != "" {
		events <- Event{Event: "warning", Message: warning}
	}

	snapshotDir := filepath.Join(d.cacheDir, cacheDirName(id.Repo), "snapshots", "main")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		events <- Event{Event: "error", Message: fmt.Sprintf("failed to create snapshot dir: %v", err)}
		return
	}

	var done int64
	for _, file := range files {
		n, err := d.fetchFile(ctx, id.Repo, file, snapshotDir, total, &done, events)
		if err != nil {
			log.Error("Model file download failed", "repo", id.Repo, "file", file, "error", err)
			events <- Event{Event: "error", File: file, Message: err.Error()}
			return
		}
		events <- Event{Event: "file_done", File: file, Done: n}
	}

	refsDir := filepath.Join(d.cacheDir, cacheDirName(id.Repo), "refs")
	if err := os.MkdirAll(refsDir, 0o755); err == nil {
		os.WriteFile(filepath.Join(refsDir, "main"), []byte("main"), 0o644)
	}

	log.Info("Model downloaded", "repo", id.Repo, "files", len(files), "bytes", done)
	events <- Event{Event: "done", Total: total, Done: done}
}

func (d *Downloader) fetchFile(ctx context.Context, repo, file, snapshotDir string, total int64, done *int64, events chan<- Event) (int64, error) {
	// File names share the identifier character set; reject traversal.
	target := filepath.Join(snapshotDir, filepath.Clean(file))
	if rel, err := filepath.Rel(snapshotDir, target); err != nil || !filepath.IsLocal(rel) {
		return 0, fmt.Errorf("file name %q escapes snapshot directory", file)
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", d.baseURL, repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download of %s failed: %w", file, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download of %s failed with status %d", file, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(snapshotDir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var written int64
	buf := make([]byte, 1<<20)
	lastReport := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := tmp.Write(buf[:n]); err != nil {
				tmp.Close()
				return written, fmt.Errorf("failed to write %s: %w", file, err)
			}
			written += int64(n)
			*done += int64(n)
			if time.Since(lastReport) >= time.Second {
				lastReport = time.Now()
				pct := 0.0
				if total > 0 {
					pct = float64(*done) / float64(total) * 100
				}
				events <- Event{Event: "progress", File: file, Total: total, Done: *done, Percent: pct}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			return written, fmt.Errorf("failed to read %s: %w", file, readErr)
		}
	}

	if err := tmp.Close(); err != nil {
		return written, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return written, fmt.Errorf("failed to finalize %s: %w", file, err)
	}
	return written, nil
}
