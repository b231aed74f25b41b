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

package observability

// Span names used across the runtime.
const (
	SpanChatTurn      = "llamafarm.chat.turn"
	SpanLLMRequest    = "llamafarm.llm.request"
	SpanToolExecution = "llamafarm.tool.execution"
	SpanModelLoad     = "llamafarm.model.load"
	SpanRAGSearch     = "llamafarm.rag.search"
)

// Common attribute keys.
const (
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrToolName        = "tool.name"
	AttrMCPServer       = "mcp.server"
	AttrModelKind       = "model.kind"
	AttrSessionID       = "session.id"
)
