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

package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/llamafarm/llamafarm/pkg/llms"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

// Executor exposes every reachable MCP tool as an llms.ToolDefinition
// and routes invocations back to the owning server. Servers that fail
// to list are skipped with a warning so one dead server does not take
// the whole toolset down.
type Executor struct {
	svc *Service

	mu     sync.Mutex
	defs   []llms.ToolDefinition
	routes map[string]string // tool name -> server name
}

// NewExecutor lists tools on every configured server and builds the
// routing table. Duplicate tool names keep the first server seen.
func NewExecutor(ctx context.Context, svc *Service) *Executor {
	e := &Executor{svc: svc, routes: make(map[string]string)}
	e.Refresh(ctx)
	return e
}

// Refresh re-lists tools across all servers and rebuilds the routes.
func (e *Executor) Refresh(ctx context.Context) {
	log := logger.GetLogger("tools")

	var defs []llms.ToolDefinition
	routes := make(map[string]string)
	for _, server := range e.svc.ListServers() {
		tools, err := e.svc.ListTools(ctx, server)
		if err != nil {
			log.Warn("mcp server unavailable, skipping its tools",
				"server", server, "error", err)
			continue
		}
		for _, tool := range tools {
			if owner, taken := routes[tool.Name]; taken {
				log.Warn("duplicate tool name, keeping first server",
					"tool", tool.Name, "kept", owner, "skipped", server)
				continue
			}
			routes[tool.Name] = server
			defs = append(defs, llms.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
	}

	e.mu.Lock()
	e.defs = defs
	e.routes = routes
	e.mu.Unlock()
}

// Definitions returns the tool definitions for the chat request.
func (e *Executor) Definitions() []llms.ToolDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llms.ToolDefinition, len(e.defs))
	copy(out, e.defs)
	return out
}

// Execute runs a named tool. ok=false marks a tool-level failure whose
// text still belongs in the conversation; a hard error means transport
// or routing failure.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	e.mu.Lock()
	server, ok := e.routes[name]
	e.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("unknown tool %q", name)
	}
	return e.svc.CallTool(ctx, server, name, args)
}
