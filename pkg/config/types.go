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

// Package config defines the project configuration (schema version v1),
// its loader, and the manipulator used for LLM-driven edits.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SchemaVersion is the only accepted project schema version.
const SchemaVersion = "v1"

// identifierPattern restricts names that become filesystem path components.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateIdentifier rejects names that could escape a project directory.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q contains invalid characters", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("identifier %q must not contain '..'", name)
	}
	return nil
}

// Project is the root of a llamafarm.yaml document.
type Project struct {
	Version   string    `yaml:"version" json:"version"`
	Name      string    `yaml:"name" json:"name"`
	Namespace string    `yaml:"namespace" json:"namespace"`
	Runtime   Runtime   `yaml:"runtime" json:"runtime"`
	Prompts   []Prompt  `yaml:"prompts,omitempty" json:"prompts,omitempty"`
	RAG       *RAG      `yaml:"rag,omitempty" json:"rag,omitempty"`
	Datasets  []Dataset `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	MCP       *MCP      `yaml:"mcp,omitempty" json:"mcp,omitempty"`
}

// Runtime declares the models a project can route chat to.
type Runtime struct {
	DefaultModel string  `yaml:"default_model" json:"default_model"`
	Models       []Model `yaml:"models" json:"models"`
}

// Provider identifies how a model is reached.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderLemonade  Provider = "lemonade"
	ProviderUniversal Provider = "universal"
)

// Model describes one runtime model. Read-only after config load.
type Model struct {
	Name     string   `yaml:"name" json:"name"`
	Provider Provider `yaml:"provider" json:"provider"`
	// Model is the provider-specific identifier; it may carry a
	// ":QUANTIZATION" suffix for universal GGUF models.
	Model   string   `yaml:"model" json:"model"`
	BaseURL string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Prompts []string `yaml:"prompts,omitempty" json:"prompts,omitempty"`
}

// Prompt is a named bundle of role-tagged messages.
type Prompt struct {
	Name     string          `yaml:"name" json:"name"`
	Messages []PromptMessage `yaml:"messages" json:"messages"`
}

type PromptMessage struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

var validPromptRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"developer": true,
	"tool":      true,
	"function":  true,
}

// RAG declares retrieval databases and the strategies datasets process with.
type RAG struct {
	Databases                []RAGDatabase            `yaml:"databases,omitempty" json:"databases,omitempty"`
	DataProcessingStrategies []DataProcessingStrategy `yaml:"data_processing_strategies,omitempty" json:"data_processing_strategies,omitempty"`
}

type RAGDatabase struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type,omitempty" json:"type,omitempty"`
	EmbeddingModel string `yaml:"embedding_model,omitempty" json:"embedding_model,omitempty"`
}

type DataProcessingStrategy struct {
	Name      string         `yaml:"name" json:"name"`
	Parser    string         `yaml:"parser,omitempty" json:"parser,omitempty"`
	ChunkSize int            `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	Overlap   int            `yaml:"overlap,omitempty" json:"overlap,omitempty"`
	Options   map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// Dataset binds uploaded files to a RAG database and processing strategy.
type Dataset struct {
	Name                   string `yaml:"name" json:"name"`
	Database               string `yaml:"database" json:"database"`
	DataProcessingStrategy string `yaml:"data_processing_strategy,omitempty" json:"data_processing_strategy,omitempty"`
}

// MCP declares the tool servers available to chat.
type MCP struct {
	Servers []MCPServer `yaml:"servers,omitempty" json:"servers,omitempty"`
}

type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

type MCPServer struct {
	Name      string            `yaml:"name" json:"name"`
	Transport Transport         `yaml:"transport" json:"transport"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	BaseURL   string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// SetDefaults fills derivable fields.
func (p *Project) SetDefaults() {
	if p.Version == "" {
		p.Version = SchemaVersion
	}
	if p.Runtime.DefaultModel == "" && len(p.Runtime.Models) == 1 {
		p.Runtime.DefaultModel = p.Runtime.Models[0].Name
	}
	for i := range p.MCPServers() {
		srv := &p.MCP.Servers[i]
		if srv.Transport == "" {
			if srv.Command != "" {
				srv.Transport = TransportStdio
			} else {
				srv.Transport = TransportHTTP
			}
		}
	}
}

// MCPServers returns the declared MCP servers, never nil.
func (p *Project) MCPServers() []MCPServer {
	if p.MCP == nil {
		return nil
	}
	return p.MCP.Servers
}

// Validate checks every invariant of the v1 schema.
func (p *Project) Validate() error {
	if p.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %q (want %q)", p.Version, SchemaVersion)
	}
	if err := ValidateIdentifier(p.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if err := ValidateIdentifier(p.Namespace); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}

	if len(p.Runtime.Models) == 0 {
		return fmt.Errorf("runtime.models must declare at least one model")
	}

	modelNames := make(map[string]bool, len(p.Runtime.Models))
	for i, m := range p.Runtime.Models {
		if m.Name == "" {
			return fmt.Errorf("runtime.models[%d]: name is required", i)
		}
		if modelNames[m.Name] {
			return fmt.Errorf("runtime.models[%d]: duplicate model name %q", i, m.Name)
		}
		modelNames[m.Name] = true

		switch m.Provider {
		case ProviderOpenAI, ProviderOllama, ProviderLemonade, ProviderUniversal:
		default:
			return fmt.Errorf("runtime.models[%d]: unknown provider %q", i, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("runtime.models[%d]: model is required", i)
		}
	}

	if p.Runtime.DefaultModel == "" {
		return fmt.Errorf("runtime.default_model is required")
	}
	if !modelNames[p.Runtime.DefaultModel] {
		return fmt.Errorf("runtime.default_model %q does not match any declared model", p.Runtime.DefaultModel)
	}

	promptNames := make(map[string]bool, len(p.Prompts))
	for i, pr := range p.Prompts {
		if pr.Name == "" {
			return fmt.Errorf("prompts[%d]: name is required", i)
		}
		if promptNames[pr.Name] {
			return fmt.Errorf("prompts[%d]: duplicate prompt name %q", i, pr.Name)
		}
		promptNames[pr.Name] = true
		for j, msg := range pr.Messages {
			if !validPromptRoles[msg.Role] {
				return fmt.Errorf("prompts[%d].messages[%d]: invalid role %q", i, j, msg.Role)
			}
		}
	}
	for i, m := range p.Runtime.Models {
		for _, name := range m.Prompts {
			if !promptNames[name] {
				return fmt.Errorf("runtime.models[%d]: prompt %q is not declared", i, name)
			}
		}
	}

	dbNames := make(map[string]bool)
	strategyNames := make(map[string]bool)
	if p.RAG != nil {
		for i, db := range p.RAG.Databases {
			if db.Name == "" {
				return fmt.Errorf("rag.databases[%d]: name is required", i)
			}
			if dbNames[db.Name] {
				return fmt.Errorf("rag.databases[%d]: duplicate database name %q", i, db.Name)
			}
			dbNames[db.Name] = true
		}
		for i, s := range p.RAG.DataProcessingStrategies {
			if s.Name == "" {
				return fmt.Errorf("rag.data_processing_strategies[%d]: name is required", i)
			}
			if strategyNames[s.Name] {
				return fmt.Errorf("rag.data_processing_strategies[%d]: duplicate strategy name %q", i, s.Name)
			}
			strategyNames[s.Name] = true
		}
	}

	for i, ds := range p.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("datasets[%d]: name is required", i)
		}
		if !dbNames[ds.Database] {
			return fmt.Errorf("datasets[%d]: database %q is not declared under rag.databases", i, ds.Database)
		}
		if ds.DataProcessingStrategy != "" && !strategyNames[ds.DataProcessingStrategy] {
			return fmt.Errorf("datasets[%d]: data_processing_strategy %q is not declared", i, ds.DataProcessingStrategy)
		}
	}

	serverNames := make(map[string]bool)
	for i, srv := range p.MCPServers() {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if serverNames[srv.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, srv.Name)
		}
		serverNames[srv.Name] = true

		switch srv.Transport {
		case TransportStdio:
			if srv.Command == "" {
				return fmt.Errorf("mcp.servers[%d]: stdio transport requires command", i)
			}
		case TransportHTTP, TransportSSE:
			if srv.BaseURL == "" {
				return fmt.Errorf("mcp.servers[%d]: %s transport requires base_url", i, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp.servers[%d]: unknown transport %q", i, srv.Transport)
		}
	}

	return nil
}

// FindModel resolves a model descriptor by name; an empty name resolves to
// the default model.
func (p *Project) FindModel(name string) (*Model, error) {
	if name == "" {
		name = p.Runtime.DefaultModel
	}
	for i := range p.Runtime.Models {
		if p.Runtime.Models[i].Name == name {
			return &p.Runtime.Models[i], nil
		}
	}
	return nil, fmt.Errorf("model %q is not declared in runtime.models", name)
}

// FindPrompt resolves a prompt bundle by name.
func (p *Project) FindPrompt(name string) (*Prompt, bool) {
	for i := range p.Prompts {
		if p.Prompts[i].Name == name {
			return &p.Prompts[i], true
		}
	}
	return nil, false
}

// FindMCPServer resolves an MCP server declaration by name.
func (p *Project) FindMCPServer(name string) (*MCPServer, bool) {
	servers := p.MCPServers()
	for i := range servers {
		if servers[i].Name == name {
			return &servers[i], true
		}
	}
	return nil, false
}

// FindDataset resolves a dataset by name.
func (p *Project) FindDataset(name string) (*Dataset, bool) {
	for i := range p.Datasets {
		if p.Datasets[i].Name == name {
			return &p.Datasets[i], true
		}
	}
	return nil, false
}
