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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrModelNotCached is returned when a repo has no local snapshot.
var ErrModelNotCached = errors.New("model not found in cache")

// Locate finds the snapshot directory for a cached repo. The HF hub
// layout is {cache}/models--org--name/snapshots/{revision}/; when more
// than one revision exists the one referenced by refs/main wins, falling
// back to the most recently modified.
func Locate(cacheDir, repo string) (string, error) {
	id, err := ParseModelID(repo)
	if err != nil {
		return "", err
	}

	modelDir := filepath.Join(cacheDir, cacheDirName(id.Repo))
	snapshotsDir := filepath.Join(modelDir, "snapshots")

	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelNotCached, id.Repo)
		}
		return "", fmt.Errorf("failed to read snapshots for %s: %w", id.Repo, err)
	}

	var revisions []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			revisions = append(revisions, e)
		}
	}
	if len(revisions) == 0 {
		return "", fmt.Errorf("%w: %s", ErrModelNotCached, id.Repo)
	}

	if ref, err := os.ReadFile(filepath.Join(modelDir, "refs", "main")); err == nil {
		rev := string(ref)
		for _, e := range revisions {
			if e.Name() == rev {
				return filepath.Join(snapshotsDir, e.Name()), nil
			}
		}
	}

	sort.Slice(revisions, func(i, j int) bool {
		fi, errI := revisions[i].Info()
		fj, errJ := revisions[j].Info()
		if errI != nil || errJ != nil {
			return revisions[i].Name() < revisions[j].Name()
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return filepath.Join(snapshotsDir, revisions[0].Name()), nil
}

// SnapshotFiles lists the regular files inside a snapshot directory,
// relative to it.
func SnapshotFiles(snapshotDir string) ([]string, error) {
	var files []string
	err := filepath.Walk(snapshotDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(snapshotDir, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk snapshot: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Entry describes one cached model for /v1/models.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// List enumerates cached repos with their on-disk size.
func List(cacheDir string) ([]Entry, error) {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache dir: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		repo, ok := repoFromCacheDir(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(cacheDir, e.Name())
		out = append(out, Entry{
			ID:   repo,
			Name: filepath.Base(repo),
			Size: dirSize(dir),
			Path: dir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a cached repo. The resolved path must stay inside the
// cache directory.
func Delete(cacheDir, repo string) error {
	id, err := ParseModelID(repo)
	if err != nil {
		return err
	}

	root, err := filepath.Abs(cacheDir)
	if err != nil {
		return err
	}
	target, err := filepath.Abs(filepath.Join(root, cacheDirName(id.Repo)))
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("model path escapes cache directory")
	}

	if _, err := os.Stat(target); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrModelNotCached, id.Repo)
	}
	return os.RemoveAll(target)
}

func dirSize(dir string) int64 {
	var size int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}
