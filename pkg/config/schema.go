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

package config

import (
	"github.com/invopop/jsonschema"
)

// FieldGuidance is hand-written advice attached to schema fields, surfaced
// to config-editing assistants alongside the generated JSON schema.
type FieldGuidance struct {
	Path     string `json:"path"`
	Guidance string `json:"guidance"`
}

// guidanceTable documents the fields that trip people (and models) up the
// most. Paths use the same dotted notation the manipulator accepts.
var guidanceTable = []FieldGuidance{
	{
		Path:     "version",
		Guidance: "Must be \"v1\". Other versions are rejected.",
	},
	{
		Path:     "name",
		Guidance: "Project name. Letters, digits, '_', '.', '-' only; becomes part of the on-disk project path.",
	},
	{
		Path:     "namespace",
		Guidance: "Project namespace, same character rules as name.",
	},
	{
		Path:     "runtime.default_model",
		Guidance: "Must match the name of one entry in runtime.models. Filled automatically when exactly one model is declared.",
	},
	{
		Path:     "runtime.models[].provider",
		Guidance: "One of: openai, ollama, lemonade, universal. Use universal for locally-run GGUF models.",
	},
	{
		Path:     "runtime.models[].model",
		Guidance: "Provider-specific model identifier. For universal models this is a Hugging Face repo id, optionally with a :QUANTIZATION suffix (e.g. unsloth/gemma-3-1b-it-GGUF:Q4_K_M).",
	},
	{
		Path:     "runtime.models[].prompts",
		Guidance: "Names of prompt bundles declared under prompts. When set, these replace the project-level bundles for this model.",
	},
	{
		Path:     "prompts[].messages[].role",
		Guidance: "One of: system, user, assistant, developer, tool, function.",
	},
	{
		Path:     "datasets[].database",
		Guidance: "Must name a database declared under rag.databases.",
	},
	{
		Path:     "datasets[].data_processing_strategy",
		Guidance: "Optional; when set it must name a strategy declared under rag.data_processing_strategies.",
	},
	{
		Path:     "mcp.servers[].transport",
		Guidance: "One of: stdio, http, sse. Inferred when omitted: stdio if command is set, http otherwise.",
	},
	{
		Path:     "mcp.servers[].command",
		Guidance: "Required for stdio transport. The executable to spawn; args go in args.",
	},
	{
		Path:     "mcp.servers[].base_url",
		Guidance: "Required for http and sse transports.",
	},
}

// SchemaDocument bundles the generated JSON schema with field guidance.
type SchemaDocument struct {
	Schema   *jsonschema.Schema `json:"schema"`
	Guidance []FieldGuidance    `json:"guidance"`
}

// Schema generates the JSON schema for the v1 project config via reflection
// plus the curated guidance table.
func Schema() *SchemaDocument {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}
	schema := reflector.Reflect(&Project{})
	schema.Title = "LlamaFarm project configuration"
	schema.Description = "Schema version v1 of llamafarm.yaml."

	return &SchemaDocument{
		Schema:   schema,
		Guidance: guidanceTable,
	}
}
