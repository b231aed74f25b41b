package config

import (
	"strings"
	"testing"
)

func validProject() *Project {
	return &Project{
		Version:   SchemaVersion,
		Name:      "demo",
		Namespace: "default",
		Runtime: Runtime{
			DefaultModel: "chat",
			Models: []Model{
				{Name: "chat", Provider: ProviderOllama, Model: "llama3.2"},
			},
		},
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "demo", false},
		{"with dots and dashes", "my-project.v2_final", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"dotdot", "..", true},
		{"embedded dotdot", "a..b", true},
		{"space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestProjectValidate_Valid(t *testing.T) {
	p := validProject()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid project, got: %v", err)
	}
}

func TestProjectValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Project)
		wantMsg string
	}{
		{
			"wrong version",
			func(p *Project) { p.Version = "v2" },
			"unsupported schema version",
		},
		{
			"no models",
			func(p *Project) { p.Runtime.Models = nil },
			"at least one model",
		},
		{
			"duplicate model names",
			func(p *Project) {
				p.Runtime.Models = append(p.Runtime.Models, Model{Name: "chat", Provider: ProviderOpenAI, Model: "gpt-4o"})
			},
			"duplicate model name",
		},
		{
			"unknown provider",
			func(p *Project) { p.Runtime.Models[0].Provider = "bedrock" },
			"unknown provider",
		},
		{
			"dangling default model",
			func(p *Project) { p.Runtime.DefaultModel = "missing" },
			"does not match any declared model",
		},
		{
			"model references undeclared prompt",
			func(p *Project) { p.Runtime.Models[0].Prompts = []string{"helpful"} },
			"is not declared",
		},
		{
			"invalid prompt role",
			func(p *Project) {
				p.Prompts = []Prompt{{Name: "helpful", Messages: []PromptMessage{{Role: "wizard", Content: "hi"}}}}
			},
			"invalid role",
		},
		{
			"dataset without database",
			func(p *Project) {
				p.Datasets = []Dataset{{Name: "docs", Database: "main"}}
			},
			"not declared under rag.databases",
		},
		{
			"dataset with undeclared strategy",
			func(p *Project) {
				p.RAG = &RAG{Databases: []RAGDatabase{{Name: "main"}}}
				p.Datasets = []Dataset{{Name: "docs", Database: "main", DataProcessingStrategy: "chunky"}}
			},
			"data_processing_strategy",
		},
		{
			"stdio server without command",
			func(p *Project) {
				p.MCP = &MCP{Servers: []MCPServer{{Name: "fs", Transport: TransportStdio}}}
			},
			"requires command",
		},
		{
			"http server without base_url",
			func(p *Project) {
				p.MCP = &MCP{Servers: []MCPServer{{Name: "search", Transport: TransportHTTP}}}
			},
			"requires base_url",
		},
		{
			"name with path separator",
			func(p *Project) { p.Name = "../escape" },
			"invalid characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProject()
			tt.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	p := &Project{
		Name:      "demo",
		Namespace: "default",
		Runtime: Runtime{
			Models: []Model{{Name: "only", Provider: ProviderOllama, Model: "llama3.2"}},
		},
		MCP: &MCP{Servers: []MCPServer{
			{Name: "fs", Command: "mcp-fs"},
			{Name: "web", BaseURL: "http://localhost:9000/mcp"},
		}},
	}
	p.SetDefaults()

	if p.Version != SchemaVersion {
		t.Errorf("expected version %q, got %q", SchemaVersion, p.Version)
	}
	if p.Runtime.DefaultModel != "only" {
		t.Errorf("expected default_model 'only', got %q", p.Runtime.DefaultModel)
	}
	if p.MCP.Servers[0].Transport != TransportStdio {
		t.Errorf("expected stdio transport for command server, got %q", p.MCP.Servers[0].Transport)
	}
	if p.MCP.Servers[1].Transport != TransportHTTP {
		t.Errorf("expected http transport for url server, got %q", p.MCP.Servers[1].Transport)
	}
}

func TestFindModel(t *testing.T) {
	p := validProject()
	p.Runtime.Models = append(p.Runtime.Models, Model{Name: "fast", Provider: ProviderOpenAI, Model: "gpt-4o-mini"})

	m, err := p.FindModel("")
	if err != nil {
		t.Fatalf("FindModel(\"\") failed: %v", err)
	}
	if m.Name != "chat" {
		t.Errorf("empty name should resolve to default model, got %q", m.Name)
	}

	m, err = p.FindModel("fast")
	if err != nil {
		t.Fatalf("FindModel(fast) failed: %v", err)
	}
	if m.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model id %q", m.Model)
	}

	if _, err := p.FindModel("nope"); err == nil {
		t.Error("expected error for unknown model name")
	}
}
