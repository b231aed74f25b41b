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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamafarm/llamafarm/pkg/httpclient"
	"github.com/llamafarm/llamafarm/pkg/observability"
)

// ollamaClient speaks Ollama's native /api/chat protocol. Tool support
// is prompt-level: tools are described in the system message and the
// model answers with a JSON object when it wants to call one.
type ollamaClient struct {
	model   string
	baseURL string
	http    *httpclient.Client
}

func newOllamaClient(model, baseURL string) *ollamaClient {
	return &ollamaClient{
		model:   model,
		baseURL: baseURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (c *ollamaClient) ModelName() string { return c.model }

func (c *ollamaClient) Close() error { return nil }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// toolEnvelope is the JSON shape the model is instructed to answer with
// when it wants a tool.
type toolEnvelope struct {
	ToolName       string         `json:"tool_name"`
	ToolParameters map[string]any `json:"tool_parameters"`
}

// buildMessages flattens the conversation for Ollama: tool definitions
// become part of the system message, tool results become user-visible
// text.
func (c *ollamaClient) buildMessages(messages []Message, tools []ToolDefinition) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)

	var system strings.Builder
	for _, msg := range messages {
		if msg.Role == "system" {
			system.WriteString(msg.Content)
			system.WriteString("\n")
		}
	}
	if len(tools) > 0 {
		system.WriteString(toolInstructions(tools))
	}
	if system.Len() > 0 {
		out = append(out, ollamaMessage{Role: "system", Content: strings.TrimSpace(system.String())})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			// already merged
		case "tool":
			out = append(out, ollamaMessage{
				Role:    "user",
				Content: fmt.Sprintf("Tool result:\n%s", msg.Content),
			})
		case "assistant":
			content := msg.Content
			if content == "" && len(msg.ToolCalls) > 0 {
				env, _ := json.Marshal(toolEnvelope{
					ToolName:       msg.ToolCalls[0].Name,
					ToolParameters: msg.ToolCalls[0].Arguments,
				})
				content = string(env)
			}
			out = append(out, ollamaMessage{Role: "assistant", Content: content})
		default:
			out = append(out, ollamaMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

func toolInstructions(tools []ToolDefinition) string {
	var b strings.Builder
	b.WriteString("\nYou have access to the following tools:\n")
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		fmt.Fprintf(&b, "- %s: %s\n  Parameters schema: %s\n", t.Name, t.Description, params)
	}
	b.WriteString("\nTo call a tool, respond with ONLY a JSON object of the form\n")
	b.WriteString(`{"tool_name": "<name>", "tool_parameters": {...}}`)
	b.WriteString("\nand nothing else. Otherwise answer normally.\n")
	return b.String()
}

func (c *ollamaClient) post(ctx context.Context, request ollamaRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(msg))
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *ollamaClient) Chat(ctx context.Context, messages []Message) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("llamafarm.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	resp, err := c.post(ctx, ollamaRequest{Model: c.model, Messages: c.buildMessages(messages, nil), Stream: false})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, c.model, time.Since(start), 0, 0, err)
		}
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		err = fmt.Errorf("failed to decode response: %w", err)
		span.RecordError(err)
		return "", err
	}
	if decoded.Error != "" {
		err := fmt.Errorf("ollama error: %s", decoded.Error)
		span.RecordError(err)
		span.SetStatus(codes.Error, decoded.Error)
		return "", err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, decoded.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, decoded.EvalCount),
	)
	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, c.model, time.Since(start), decoded.PromptEvalCount, decoded.EvalCount, nil)
	}
	return decoded.Message.Content, nil
}

func (c *ollamaClient) StreamChat(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	return c.stream(ctx, messages, nil)
}

func (c *ollamaClient) StreamChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error) {
	return c.stream(ctx, messages, tools)
}

func (c *ollamaClient) stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 100)
	go func() {
		defer close(out)
		if err := c.streamRequest(ctx, messages, tools, out); err != nil {
			emit(ctx, out, StreamEvent{Type: EventError, Err: err})
		}
	}()
	return out, nil
}

// streamRequest reads Ollama's JSON-lines stream. When tools are in
// play and the response's stripped prefix opens a JSON object, content
// is withheld until stream end and parsed: a valid tool envelope becomes
// a ToolCall event, anything else is re-emitted as one content event.
func (c *ollamaClient) streamRequest(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- StreamEvent) error {
	start := time.Now()
	tracer := observability.GetTracer("llamafarm.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	resp, err := c.post(ctx, ollamaRequest{Model: c.model, Messages: c.buildMessages(messages, tools), Stream: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, c.model, time.Since(start), 0, 0, err)
		}
		return err
	}
	defer resp.Body.Close()

	mayBeTool := len(tools) > 0
	var (
		full        strings.Builder
		withholding bool
		decided     = !mayBeTool
		tokens      int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			apiErr := fmt.Errorf("ollama error: %s", chunk.Error)
			span.RecordError(apiErr)
			span.SetStatus(codes.Error, chunk.Error)
			return apiErr
		}

		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)

			if mayBeTool && !decided {
				stripped := strings.TrimSpace(full.String())
				if stripped != "" {
					decided = true
					withholding = strings.HasPrefix(stripped, "{")
				}
			}
			if decided && !withholding {
				if !emit(ctx, out, StreamEvent{Type: EventContent, Text: chunk.Message.Content}) {
					return ctx.Err()
				}
			}
		}

		if chunk.Done {
			tokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read stream: %w", err)
	}

	if withholding {
		text := strings.TrimSpace(full.String())
		var env toolEnvelope
		if err := json.Unmarshal([]byte(text), &env); err == nil && env.ToolName != "" {
			if env.ToolParameters == nil {
				env.ToolParameters = map[string]any{}
			}
			call := &ToolCall{
				ID:        "call_" + uuid.NewString()[:8],
				Name:      env.ToolName,
				Arguments: env.ToolParameters,
			}
			if !emit(ctx, out, StreamEvent{Type: EventToolCall, ToolCall: call}) {
				return ctx.Err()
			}
		} else {
			// Not a tool envelope after all: replay it as content.
			if !emit(ctx, out, StreamEvent{Type: EventContent, Text: full.String()}) {
				return ctx.Err()
			}
		}
	} else if mayBeTool && !decided && full.Len() > 0 {
		if !emit(ctx, out, StreamEvent{Type: EventContent, Text: full.String()}) {
			return ctx.Err()
		}
	}

	if tokens == 0 {
		tokens = estimateUsage(c.model, messages, full.String()).TotalTokens
	}
	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, c.model, time.Since(start), 0, tokens, nil)
	}
	if !emit(ctx, out, StreamEvent{Type: EventDone, Tokens: tokens}) {
		return ctx.Err()
	}
	return nil
}
