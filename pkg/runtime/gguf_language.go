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

package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/gguf"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

const (
	healthPollInterval = 250 * time.Millisecond
	healthPollTimeout  = 120 * time.Second
	termGracePeriod    = 10 * time.Second
)

// ggufWrapper owns a llama-server subprocess serving one local .gguf
// model. The same wrapper backs both chat and embedding kinds; the
// embedding variant adds --embedding to the server args.
type ggufWrapper struct {
	kind     string
	modelID  string
	settings *config.Settings

	cmd    *exec.Cmd
	exited chan error
	port   int
	proxy  *openaiProxy

	// resolved at load
	file    string
	quant   string
	ctxSize int
}

// NewLanguageGGUF builds a chat wrapper over a cached GGUF model.
func NewLanguageGGUF(settings *config.Settings, modelID string) LanguageModel {
	return &ggufWrapper{kind: KindLanguageGGUF, modelID: modelID, settings: settings}
}

// NewEncoderGGUF builds an embedding wrapper over a cached GGUF model.
func NewEncoderGGUF(settings *config.Settings, modelID string) Encoder {
	return &ggufWrapper{kind: KindEncoderGGUF, modelID: modelID, settings: settings}
}

// Load resolves the model file, sizes the context window, spawns
// llama-server on a free localhost port, and waits for /health.
func (w *ggufWrapper) Load(ctx context.Context) error {
	id, err := hub.ParseModelID(w.modelID)
	if err != nil {
		return err
	}

	snapshot, err := hub.Locate(w.settings.HFCacheDir, id.Repo)
	if err != nil {
		return err
	}
	files, err := hub.SnapshotFiles(snapshot)
	if err != nil {
		return err
	}
	file, err := gguf.SelectFile(files, id.Quantization)
	if err != nil {
		return fmt.Errorf("no usable model file for %s: %w", w.modelID, err)
	}
	modelPath := filepath.Join(snapshot, file)

	header, err := gguf.ReadHeader(modelPath)
	if err != nil {
		return fmt.Errorf("failed to read model header: %w", err)
	}
	mem := device.Memory()
	w.ctxSize = gguf.SafeContext(header.ContextLength(), mem.Available, 0)
	w.file = file
	w.quant = gguf.Quantization(file)

	port, err := freePort()
	if err != nil {
		return fmt.Errorf("failed to allocate port: %w", err)
	}
	w.port = port

	logPath := filepath.Join(w.settings.LogsDir, serverLogName(w.modelID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open server log: %w", err)
	}

	args := w.serverArgs(modelPath)
	cmd := exec.Command(w.settings.LlamaServerBin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start llama-server: %w", err)
	}
	w.cmd = cmd

	// Single Wait per process; everyone else observes the channel.
	w.exited = make(chan error, 1)
	go func() {
		w.exited <- cmd.Wait()
		close(w.exited)
	}()

	// Close our copy once the child holds the descriptor.
	logFile.Close()

	logger.GetLogger("runtime").Info("llama-server starting",
		"model", w.modelID, "file", file, "port", port,
		"ctx_size", w.ctxSize, "log", logPath)

	if err := w.waitHealthy(ctx); err != nil {
		w.kill()
		return err
	}
	w.proxy = newOpenAIProxy(fmt.Sprintf("http://127.0.0.1:%d", port), "")
	return nil
}

// serverArgs builds the llama-server command line.
func (w *ggufWrapper) serverArgs(modelPath string) []string {
	args := []string{
		"--model", modelPath,
		"--ctx-size", strconv.Itoa(w.ctxSize),
		"--port", strconv.Itoa(w.port),
		"--host", "127.0.0.1",
	}
	if w.kind == KindEncoderGGUF {
		args = append(args, "--embedding")
	}
	return args
}

func serverLogName(modelID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(modelID)
	return safe + ".log"
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitHealthy polls /health until the server answers 200 or the budget
// runs out. A child that exits early fails immediately.
func (w *ggufWrapper) waitHealthy(ctx context.Context) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", w.port)
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(healthPollTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.exited:
			if err != nil {
				return fmt.Errorf("llama-server exited during startup: %v", err)
			}
			return fmt.Errorf("llama-server exited during startup")
		case <-time.After(healthPollInterval):
		}

		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
	return fmt.Errorf("llama-server did not become healthy within %v", healthPollTimeout)
}

// Unload terminates the subprocess: SIGTERM, bounded wait, SIGKILL.
func (w *ggufWrapper) Unload(ctx context.Context) error {
	w.proxy = nil
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	defer func() { w.cmd = nil }()

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return w.killErr()
	}

	grace := termGracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	select {
	case <-w.exited:
		return nil
	case <-time.After(grace):
		logger.GetLogger("runtime").Warn("llama-server ignored SIGTERM, killing",
			"model", w.modelID)
		return w.killErr()
	}
}

func (w *ggufWrapper) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Kill()
		<-w.exited
	}
	w.cmd = nil
}

func (w *ggufWrapper) killErr() error {
	if err := w.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill llama-server: %w", err)
	}
	<-w.exited
	return nil
}

func (w *ggufWrapper) Kind() string { return w.kind }

func (w *ggufWrapper) SupportsStreaming() bool { return w.kind == KindLanguageGGUF }

func (w *ggufWrapper) Info() Info {
	return Info{
		Kind:    w.kind,
		ModelID: w.modelID,
		Details: map[string]any{
			"file":         w.file,
			"quantization": w.quant,
			"ctx_size":     w.ctxSize,
			"port":         w.port,
		},
	}
}

func (w *ggufWrapper) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	if req.Model == "" {
		req.Model = w.modelID
	}
	return w.proxy.chat(ctx, req)
}

func (w *ggufWrapper) GenerateStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	if req.Model == "" {
		req.Model = w.modelID
	}
	return w.proxy.chatStream(ctx, req)
}

func (w *ggufWrapper) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if w.proxy == nil {
		return nil, fmt.Errorf("model %s is not loaded", w.modelID)
	}
	return embedBatched(ctx, w.proxy, w.modelID, texts, defaultMaxBatch)
}
