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

// Command llamafarm runs the local-first model runtime and project
// server.
//
// Usage:
//
//	llamafarm serve
//	llamafarm validate path/to/llamafarm.yaml
//	llamafarm schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/logger"
	"github.com/llamafarm/llamafarm/pkg/rag"
	"github.com/llamafarm/llamafarm/pkg/runtime"
	"github.com/llamafarm/llamafarm/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime and project server."`
	Validate ValidateCmd `cmd:"" help:"Validate a project configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration schema as JSON."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// initLogging applies the global logging flags.
func (c *CLI) initLogging() {
	opts := logger.Options{
		Level:      logger.ParseLevel(c.LogLevel),
		JSONFormat: strings.EqualFold(c.LogFormat, "json"),
		Output:     os.Stderr,
	}
	if c.LogFile != "" {
		file, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s, using stderr: %v\n", c.LogFile, err)
		} else {
			opts.Output = file
		}
	}
	logger.Init(opts)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("llamafarm version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Bind address (overrides LF_HOST)."`
	Port int    `help:"Bind port (overrides LF_PORT)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cli.initLogging()
	log := logger.GetLogger("main")

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	settings, err := config.SettingsFromEnv()
	if err != nil {
		return err
	}
	if c.Host != "" {
		settings.Host = c.Host
	}
	if c.Port != 0 {
		settings.Port = c.Port
	}
	if err := settings.EnsureDirs(); err != nil {
		return err
	}

	accel := device.DetectAccelerator()
	log.Info("starting", "accelerator", accel, "data_dir", settings.DataDir)

	manager := runtime.NewManager(settings, runtime.DefaultFactory(settings, upstreamFromEnv()))
	srv := server.New(settings, manager, searcherFromEnv(manager))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	return srv.ListenAndServe(ctx, addr)
}

// upstreamFromEnv resolves non-GGUF models to one OpenAI-compatible
// upstream configured through the environment.
func upstreamFromEnv() runtime.UpstreamResolver {
	base := os.Getenv("LF_UPSTREAM_BASE_URL")
	key := os.Getenv("LF_UPSTREAM_API_KEY")
	if base == "" {
		return nil
	}
	return func(modelID string) (string, string, bool) {
		return base, key, true
	}
}

// searcherFromEnv picks the retrieval backend: an external search
// command when configured, otherwise the embedded chromem store backed
// by a runtime encoder.
func searcherFromEnv(manager *runtime.Manager) rag.Searcher {
	log := logger.GetLogger("main")

	if cmd := os.Getenv("LF_RAG_SEARCH_CMD"); cmd != "" {
		searcher, err := rag.NewSubprocessSearcher(strings.Fields(cmd))
		if err != nil {
			log.Warn("invalid LF_RAG_SEARCH_CMD, retrieval disabled", "error", err)
			return nil
		}
		return searcher
	}

	if model := os.Getenv("LF_EMBEDDING_MODEL"); model != "" {
		return rag.NewChromemSearcher(&managerEmbedder{manager: manager, model: model})
	}

	log.Info("no retrieval backend configured")
	return nil
}

// managerEmbedder routes query embedding through the wrapper cache so
// the encoder loads on first use and ages out like any other model.
type managerEmbedder struct {
	manager *runtime.Manager
	model   string
}

func (e *managerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	kind := runtime.KindEncoder
	if local, err := isHubModel(e.model); err == nil && local {
		kind = runtime.KindEncoderGGUF
	}
	wrapper, err := e.manager.Acquire(ctx, kind, e.model)
	if err != nil {
		return nil, err
	}
	enc, ok := wrapper.(runtime.Encoder)
	if !ok {
		return nil, fmt.Errorf("model %q is not an encoder", e.model)
	}
	return enc.Embed(ctx, texts)
}

// isHubModel reports whether the model id names a locally cached hub repo.
func isHubModel(modelID string) (bool, error) {
	id, err := hub.ParseModelID(modelID)
	if err != nil {
		return false, err
	}
	return strings.Contains(id.Repo, "/"), nil
}

// ValidateCmd checks a project configuration file.
type ValidateCmd struct {
	Path string `arg:"" help:"Path to llamafarm.yaml." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cli.initLogging()

	loader, err := config.NewLoader(c.Path)
	if err != nil {
		return err
	}
	project, err := loader.Load(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid (project %q, %d models)\n",
		c.Path, project.Name, len(project.Runtime.Models))
	return nil
}

// SchemaCmd prints the configuration schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	data, err := json.MarshalIndent(config.Schema(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("llamafarm"),
		kong.Description("Local-first AI runtime: models, RAG, tools, and projects."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
