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

// Package agent runs the agentic chat loop: prompt assembly, history,
// optional retrieval, streaming, and MCP tool invocation.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/llms"
	"github.com/llamafarm/llamafarm/pkg/logger"
	"github.com/llamafarm/llamafarm/pkg/observability"
	"github.com/llamafarm/llamafarm/pkg/rag"
)

// MaxToolIterations bounds the tool-call loop per user turn.
const MaxToolIterations = 10

const budgetExhaustedMessage = "maximum number of tool calls reached"

// toolGuidance nudges the model to finalize after seeing a tool result.
const toolGuidance = "Use the tool result above to answer the user's question directly."

// ToolRunner is the tool surface the loop consumes; pkg/tools.Executor
// implements it.
type ToolRunner interface {
	Definitions() []llms.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (text string, ok bool, err error)
}

// RAGOptions carries the retrieval extensions of a chat request.
type RAGOptions struct {
	Enabled  bool
	Queries  []string
	Database string
	Dataset  string
	TopK     int
	Strategy string
}

// Request is one orchestrated chat turn.
type Request struct {
	Model       string
	SessionID   string
	UserMessage string
	RAG         *RAGOptions
}

// Chunk is one streamed piece of the assistant answer. Err terminates
// the stream and propagates to the HTTP boundary.
type Chunk struct {
	Text string
	Err  error
}

// Orchestrator drives the agentic loop for one project.
type Orchestrator struct {
	project    *config.Project
	projectDir string
	history    *Store
	tools      ToolRunner
	searcher   rag.Searcher

	// newLLM is swappable for tests; defaults to llms.New.
	newLLM func(config.Model) (llms.LLM, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTools attaches the MCP tool surface.
func WithTools(t ToolRunner) Option {
	return func(o *Orchestrator) { o.tools = t }
}

// WithSearcher attaches the retrieval collaborator.
func WithSearcher(s rag.Searcher) Option {
	return func(o *Orchestrator) { o.searcher = s }
}

// WithLLMFactory overrides client construction.
func WithLLMFactory(f func(config.Model) (llms.LLM, error)) Option {
	return func(o *Orchestrator) { o.newLLM = f }
}

// New builds an orchestrator for one loaded project.
func New(project *config.Project, projectDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		project:    project,
		projectDir: projectDir,
		history:    NewStore(projectDir),
		newLLM:     llms.New,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// History exposes the session store for the server's session routes.
func (o *Orchestrator) History() *Store { return o.history }

// StreamChat runs the full loop and streams assistant text. The
// channel closes after the final chunk; a Chunk with Err set is always
// terminal.
func (o *Orchestrator) StreamChat(ctx context.Context, req Request) (<-chan Chunk, error) {
	model, err := o.project.FindModel(req.Model)
	if err != nil {
		return nil, err
	}
	client, err := o.newLLM(*model)
	if err != nil {
		return nil, err
	}

	history, err := o.loadHistory(req.SessionID)
	if err != nil {
		return nil, err
	}
	history = append(history, llms.Message{Role: "user", Content: req.UserMessage})

	prefix := o.promptMessages(model)
	if block, err := o.retrieveContext(ctx, req); err != nil {
		// Retrieval failures degrade to a no-context answer.
		logger.GetLogger("agent").Warn("retrieval failed, continuing without context",
			"session", req.SessionID, "error", err)
	} else if block != "" {
		prefix = append(prefix, llms.Message{Role: "system", Content: block})
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		o.run(ctx, client, req, prefix, history, out)
	}()
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, client llms.LLM, req Request, prefix, history []llms.Message, out chan<- Chunk) {
	tracer := observability.GetTracer("llamafarm.agent")
	ctx, span := tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.String("session_id", req.SessionID),
		),
	)
	defer span.End()

	defer client.Close()
	defer o.persist(req.SessionID, &history)

	var defs []llms.ToolDefinition
	if o.tools != nil {
		defs = o.tools.Definitions()
	}

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		if ctx.Err() != nil {
			return
		}

		events, err := client.StreamChatWithTools(ctx, append(prefix, history...), defs)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}

		var content strings.Builder
		var calls []llms.ToolCall
		for ev := range events {
			switch ev.Type {
			case llms.EventContent:
				content.WriteString(ev.Text)
				select {
				case out <- Chunk{Text: ev.Text}:
				case <-ctx.Done():
					return
				}
			case llms.EventToolCall:
				calls = append(calls, *ev.ToolCall)
			case llms.EventError:
				out <- Chunk{Err: ev.Err}
				return
			}
		}

		if len(calls) == 0 {
			history = append(history, llms.Message{Role: "assistant", Content: content.String()})
			return
		}

		// Flush the accumulator; empty content is kept because the
		// tool calls belong to it.
		history = append(history, llms.Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: calls,
		})

		for _, call := range calls {
			history = append(history, o.invokeTool(ctx, call))
		}
		history = append(history, llms.Message{Role: "assistant", Content: toolGuidance})
	}

	// Budget exhausted.
	history = append(history, llms.Message{Role: "assistant", Content: budgetExhaustedMessage})
	select {
	case out <- Chunk{Text: budgetExhaustedMessage}:
	case <-ctx.Done():
	}
}

// invokeTool executes one tool call; every failure mode becomes
// conversation text the model can recover from.
func (o *Orchestrator) invokeTool(ctx context.Context, call llms.ToolCall) llms.Message {
	tracer := observability.GetTracer("llamafarm.agent")
	ctx, span := tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	msg := llms.Message{Role: "tool", ToolCallID: call.ID}
	if o.tools == nil {
		msg.Content = fmt.Sprintf("Tool %s not found - please try again or answer directly.", call.Name)
		return msg
	}

	text, ok, err := o.tools.Execute(ctx, call.Name, call.Arguments)
	switch {
	case err != nil:
		span.RecordError(err)
		msg.Content = fmt.Sprintf("Tool %s failed: %v - please try again or answer directly.", call.Name, err)
	case !ok:
		msg.Content = fmt.Sprintf("Tool %s returned an error: %s", call.Name, text)
	default:
		msg.Content = text
	}
	return msg
}

// persist writes history best-effort; cancellation of the request must
// not lose the turns already accumulated.
func (o *Orchestrator) persist(sessionID string, history *[]llms.Message) {
	if sessionID == "" {
		return
	}
	if err := o.history.Save(sessionID, *history); err != nil {
		logger.GetLogger("agent").Warn("failed to persist history",
			"session", sessionID, "error", err)
	}
}

func (o *Orchestrator) loadHistory(sessionID string) ([]llms.Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	return o.history.Load(sessionID)
}

// promptMessages expands the prompt bundles for a model: the model's
// own prompt list wins over the project default bundle.
func (o *Orchestrator) promptMessages(model *config.Model) []llms.Message {
	names := model.Prompts
	if len(names) == 0 {
		if _, ok := o.project.FindPrompt("default"); ok {
			names = []string{"default"}
		}
	}

	var out []llms.Message
	for _, name := range names {
		prompt, ok := o.project.FindPrompt(name)
		if !ok {
			logger.GetLogger("agent").Warn("prompt bundle not found", "name", name)
			continue
		}
		for _, msg := range prompt.Messages {
			out = append(out, llms.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

// retrieveContext builds the RAG context block, or "" when retrieval
// is disabled or yields nothing.
func (o *Orchestrator) retrieveContext(ctx context.Context, req Request) (string, error) {
	if req.RAG == nil || !req.RAG.Enabled || o.searcher == nil {
		return "", nil
	}

	params := rag.Params{
		ProjectDir: o.projectDir,
		Database:   req.RAG.Database,
		Dataset:    req.RAG.Dataset,
		TopK:       req.RAG.TopK,
		Strategy:   req.RAG.Strategy,
	}
	queries := req.RAG.Queries
	if len(queries) == 0 {
		queries = []string{req.UserMessage}
	}

	results, err := rag.RunQueries(ctx, o.searcher, params, queries, 0)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant context retrieved for this request:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, r.Content)
	}
	b.WriteString("\nUse this context when it is relevant to the user's question.")
	return b.String(), nil
}
