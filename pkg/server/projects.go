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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/llamafarm/llamafarm/pkg/agent"
	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/llms"
	"github.com/llamafarm/llamafarm/pkg/rag"
	"github.com/llamafarm/llamafarm/pkg/tools"
)

// ErrProjectNotFound marks a namespace/name pair with no project file.
var ErrProjectNotFound = errors.New("project not found")

// projectFile is the expected config filename inside a project dir.
const projectFile = "llamafarm.yaml"

// Project bundles everything the project surface needs: parsed config,
// manipulator, orchestrator, and MCP session service.
type Project struct {
	Config      *config.Project
	Dir         string
	Manipulator *config.Manipulator
	MCP         *tools.Service

	orchestrator *agent.Orchestrator

	mu       sync.Mutex
	executor *tools.Executor
}

// Executor lazily builds the MCP tool executor; server listing errors
// degrade to an empty toolset at refresh time.
func (p *Project) Executor(ctx context.Context) *tools.Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.executor == nil {
		p.executor = tools.NewExecutor(ctx, p.MCP)
	}
	return p.executor
}

// Orchestrator returns the chat loop for this project.
func (p *Project) Orchestrator() *agent.Orchestrator { return p.orchestrator }

// Close shuts the project's MCP sessions down.
func (p *Project) Close() {
	p.MCP.CloseAll()
}

// Projects loads and caches projects from {root}/{namespace}/{name}/.
type Projects struct {
	root     string
	searcher rag.Searcher

	mu   sync.Mutex
	open map[string]*Project
}

// NewProjects builds a registry rooted at the projects directory.
func NewProjects(root string, searcher rag.Searcher) *Projects {
	return &Projects{
		root:     root,
		searcher: searcher,
		open:     make(map[string]*Project),
	}
}

// Get loads a project on first access and caches it.
func (ps *Projects) Get(ctx context.Context, namespace, name string) (*Project, error) {
	if err := config.ValidateIdentifier(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if err := config.ValidateIdentifier(name); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}

	key := namespace + "/" + name
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.open[key]; ok {
		return p, nil
	}

	dir := filepath.Join(ps.root, namespace, name)
	path := filepath.Join(dir, projectFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrProjectNotFound)
	}

	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	manipulator, err := config.NewManipulator(cfg, path)
	if err != nil {
		return nil, err
	}

	mcp := tools.NewService(cfg.MCPServers())
	project := &Project{
		Config:      cfg,
		Dir:         dir,
		Manipulator: manipulator,
		MCP:         mcp,
	}
	project.orchestrator = agent.New(cfg, dir,
		agent.WithSearcher(ps.searcher),
		agent.WithTools(lazyTools{project}),
	)

	ps.open[key] = project
	return project, nil
}

// CloseAll closes every open project.
func (ps *Projects) CloseAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.open {
		p.Close()
	}
	ps.open = make(map[string]*Project)
}

// lazyTools defers executor construction to the first chat turn so
// project load does not block on MCP servers.
type lazyTools struct {
	p *Project
}

func (l lazyTools) Definitions() []llms.ToolDefinition {
	if len(l.p.Config.MCPServers()) == 0 {
		return nil
	}
	return l.p.Executor(context.Background()).Definitions()
}

func (l lazyTools) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	return l.p.Executor(ctx).Execute(ctx, name, args)
}
