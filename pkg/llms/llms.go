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

// Package llms provides chat clients for the providers a project can
// route to. All providers emit the same stream-event sequence for the
// same logical turn, so the orchestrator never branches on provider.
package llms

import (
	"context"
	"fmt"

	"github.com/llamafarm/llamafarm/pkg/config"
)

// Message is one turn of a conversation in wire-neutral form.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation with decoded arguments.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool in JSON-schema form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// EventType discriminates StreamEvent payloads.
type EventType string

const (
	EventContent  EventType = "content"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is one item of a chat stream. Exactly one of Text,
// ToolCall, Err is meaningful depending on Type; Done carries the token
// count when the upstream reported or estimation produced one.
type StreamEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// emit delivers one stream event, giving up when the consumer's context
// ends first. A false return means the event was dropped and the
// producer should stop.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// LLM is the chat surface every provider implements. Stream channels
// are closed after the final done or error event.
type LLM interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamEvent, error)
	StreamChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error)
	ModelName() string
	Close() error
}

// Default endpoints per provider; base_url in the model config wins.
const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultLemonadeBaseURL = "http://localhost:8000/api/v1"
	defaultOllamaBaseURL   = "http://localhost:11434"
)

// New builds the client for a configured model.
func New(m config.Model) (LLM, error) {
	switch m.Provider {
	case config.ProviderOpenAI:
		return newOpenAIClient(string(m.Provider), m.Model, orDefault(m.BaseURL, defaultOpenAIBaseURL), m.APIKey), nil
	case config.ProviderLemonade:
		return newOpenAIClient(string(m.Provider), m.Model, orDefault(m.BaseURL, defaultLemonadeBaseURL), m.APIKey), nil
	case config.ProviderUniversal:
		if m.BaseURL == "" {
			return nil, fmt.Errorf("model %q: universal provider requires base_url", m.Name)
		}
		return newOpenAIClient(string(m.Provider), m.Model, m.BaseURL, m.APIKey), nil
	case config.ProviderOllama:
		return newOllamaClient(m.Model, orDefault(m.BaseURL, defaultOllamaBaseURL)), nil
	default:
		return nil, fmt.Errorf("model %q: unsupported provider %q", m.Name, m.Provider)
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
