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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamafarm/llamafarm/pkg/httpclient"
	"github.com/llamafarm/llamafarm/pkg/observability"
)

// openaiClient speaks the OpenAI chat-completions wire protocol. The
// lemonade and universal providers use the same client with different
// endpoints.
type openaiClient struct {
	provider string
	model    string
	baseURL  string
	apiKey   string
	http     *httpclient.Client
}

func newOpenAIClient(provider, model, baseURL, apiKey string) *openaiClient {
	return &openaiClient{
		provider: provider,
		model:    model,
		baseURL:  baseURL,
		apiKey:   apiKey,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (c *openaiClient) ModelName() string { return c.model }

func (c *openaiClient) Close() error { return nil }

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []wireMessage `json:"messages"`
	Stream     bool          `json:"stream"`
	Tools      []wireTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content,omitempty"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage    `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func (c *openaiClient) buildRequest(messages []Message, stream bool, tools []ToolDefinition) chatRequest {
	wire := make([]wireMessage, len(messages))
	for i, msg := range messages {
		wm := wireMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		wire[i] = wm
	}

	req := chatRequest{Model: c.model, Messages: wire, Stream: stream}
	if len(tools) > 0 {
		req.Tools = make([]wireTool, len(tools))
		for i, t := range tools {
			req.Tools[i] = wireTool{Type: "function", Function: wireToolFunction(t)}
		}
		req.ToolChoice = "auto"
	}
	return req
}

func (c *openaiClient) post(ctx context.Context, request chatRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		var wrapped struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(msg, &wrapped) == nil && wrapped.Error.Message != "" {
			return nil, fmt.Errorf("%s returned %d: %s", c.provider, resp.StatusCode, wrapped.Error.Message)
		}
		return nil, fmt.Errorf("%s returned %d: %s", c.provider, resp.StatusCode, string(msg))
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *openaiClient) Chat(ctx context.Context, messages []Message) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("llamafarm.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, c.provider),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	record := func(in, out int, err error) {
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, c.model, time.Since(start), in, out, err)
		}
	}

	resp, err := c.post(ctx, c.buildRequest(messages, false, nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		record(0, 0, err)
		return "", err
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		err = fmt.Errorf("failed to decode response: %w", err)
		span.RecordError(err)
		record(0, 0, err)
		return "", err
	}
	if decoded.Error != nil {
		err := fmt.Errorf("%s error: %s", c.provider, decoded.Error.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, decoded.Error.Message)
		record(0, 0, err)
		return "", err
	}
	if len(decoded.Choices) == 0 {
		err := fmt.Errorf("no response choices returned")
		span.RecordError(err)
		record(0, 0, err)
		return "", err
	}

	u := decoded.Usage
	if u.TotalTokens == 0 {
		u = estimateUsage(c.model, messages, decoded.Choices[0].Message.Content)
	}
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, u.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, u.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	record(u.PromptTokens, u.CompletionTokens, nil)
	return decoded.Choices[0].Message.Content, nil
}

func (c *openaiClient) StreamChat(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	return c.stream(ctx, messages, nil)
}

func (c *openaiClient) StreamChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error) {
	return c.stream(ctx, messages, tools)
}

func (c *openaiClient) stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 100)
	go func() {
		defer close(out)
		if err := c.streamRequest(ctx, messages, tools, out); err != nil {
			emit(ctx, out, StreamEvent{Type: EventError, Err: err})
		}
	}()
	return out, nil
}

// toolCallAccumulator gathers streamed tool-call fragments keyed by the
// delta index until the finish event.
type toolCallAccumulator struct {
	order []int
	calls map[int]*wireToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: map[int]*wireToolCall{}}
}

func (a *toolCallAccumulator) add(delta wireToolCall) {
	idx := len(a.order)
	if delta.Index != nil {
		idx = *delta.Index
	} else if delta.ID == "" && len(a.order) > 0 {
		// A fragment without an index continues the latest call.
		idx = a.order[len(a.order)-1]
	}

	call, ok := a.calls[idx]
	if !ok {
		call = &wireToolCall{}
		a.calls[idx] = call
		a.order = append(a.order, idx)
	}
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Function.Name != "" {
		call.Function.Name += delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
}

// finish decodes completed calls in arrival order. Calls whose argument
// JSON does not parse are dropped.
func (a *toolCallAccumulator) finish() []*ToolCall {
	var out []*ToolCall
	for _, idx := range a.order {
		call := a.calls[idx]
		if call.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if raw := call.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				continue
			}
		}
		out = append(out, &ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}
	return out
}

func (c *openaiClient) streamRequest(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- StreamEvent) error {
	start := time.Now()
	tracer := observability.GetTracer("llamafarm.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, c.provider),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	resp, err := c.post(ctx, c.buildRequest(messages, true, tools))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, c.model, time.Since(start), 0, 0, err)
		}
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	acc := newToolCallAccumulator()
	totalTokens := 0
	var completion bytes.Buffer

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			span.RecordError(err)
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			apiErr := fmt.Errorf("%s error: %s", c.provider, chunk.Error.Message)
			span.RecordError(apiErr)
			span.SetStatus(codes.Error, chunk.Error.Message)
			return apiErr
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			completion.WriteString(choice.Delta.Content)
			if !emit(ctx, out, StreamEvent{Type: EventContent, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			acc.add(delta)
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			for _, tc := range acc.finish() {
				if !emit(ctx, out, StreamEvent{Type: EventToolCall, ToolCall: tc}) {
					return ctx.Err()
				}
			}
			acc = newToolCallAccumulator()
		}
	}

	// Flush calls from streams that never sent a finish_reason.
	for _, tc := range acc.finish() {
		if !emit(ctx, out, StreamEvent{Type: EventToolCall, ToolCall: tc}) {
			return ctx.Err()
		}
	}

	if totalTokens == 0 {
		totalTokens = estimateUsage(c.model, messages, completion.String()).TotalTokens
	}
	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, c.model, time.Since(start), 0, totalTokens, nil)
	}
	if !emit(ctx, out, StreamEvent{Type: EventDone, Tokens: totalTokens}) {
		return ctx.Err()
	}
	return nil
}
