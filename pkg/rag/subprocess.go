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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrSearchUnavailable marks transient retrieval failures; the
// orchestrator degrades to a no-context answer instead of failing the
// request.
var ErrSearchUnavailable = errors.New("search backend unavailable")

// Runner executes the search command with a JSON request on stdin and
// returns its stdout. Tests inject one; the default shells out.
type Runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// SubprocessSearcher delegates retrieval to an external command, the
// project's own indexing pipeline. Request on stdin, results on
// stdout, both JSON.
type SubprocessSearcher struct {
	argv []string
	run  Runner
}

// NewSubprocessSearcher builds a searcher around the given argv.
func NewSubprocessSearcher(argv []string) (*SubprocessSearcher, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("search command cannot be empty")
	}
	return &SubprocessSearcher{argv: argv, run: execRunner}, nil
}

type subprocessResponse struct {
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

func (s *SubprocessSearcher) Search(ctx context.Context, p Params) ([]Result, error) {
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}
	stdin, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	stdout, err := s.run(ctx, stdin, s.argv[0], s.argv[1:]...)
	if err != nil {
		// A nonzero exit is transient: the indexer may still be warming up.
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}

	var resp subprocessResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSearchUnavailable, resp.Error)
	}
	return resp.Results, nil
}
