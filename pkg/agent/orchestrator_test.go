package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/llms"
	"github.com/llamafarm/llamafarm/pkg/rag"
)

// scriptedLLM replays one event list per loop iteration and records
// the messages it was called with.
type scriptedLLM struct {
	turns [][]llms.StreamEvent
	calls [][]llms.Message
	defs  [][]llms.ToolDefinition
}

func (s *scriptedLLM) Chat(ctx context.Context, msgs []llms.Message) (string, error) {
	return "", fmt.Errorf("not used")
}

func (s *scriptedLLM) StreamChat(ctx context.Context, msgs []llms.Message) (<-chan llms.StreamEvent, error) {
	return s.StreamChatWithTools(ctx, msgs, nil)
}

func (s *scriptedLLM) StreamChatWithTools(ctx context.Context, msgs []llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamEvent, error) {
	copied := make([]llms.Message, len(msgs))
	copy(copied, msgs)
	s.calls = append(s.calls, copied)
	s.defs = append(s.defs, tools)

	turn := len(s.calls) - 1
	if turn >= len(s.turns) {
		turn = len(s.turns) - 1
	}
	events := s.turns[turn]

	ch := make(chan llms.StreamEvent, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	ch <- llms.StreamEvent{Type: llms.EventDone}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) ModelName() string { return "scripted" }
func (s *scriptedLLM) Close() error      { return nil }

// echoTools exposes one tool echo(x) -> x.
type echoTools struct {
	executed []map[string]any
}

func (e *echoTools) Definitions() []llms.ToolDefinition {
	return []llms.ToolDefinition{{Name: "echo", Description: "repeat the input"}}
}

func (e *echoTools) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	e.executed = append(e.executed, args)
	if name != "echo" {
		return "", false, fmt.Errorf("unknown tool %q", name)
	}
	x, _ := args["x"].(string)
	return x, true, nil
}

func testProject() *config.Project {
	return &config.Project{
		Version:   config.SchemaVersion,
		Name:      "demo",
		Namespace: "test",
		Runtime: config.Runtime{
			DefaultModel: "m",
			Models: []config.Model{
				{Name: "m", Provider: config.ProviderOpenAI, Model: "gpt-4o"},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, llm llms.LLM, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append(opts, WithLLMFactory(func(config.Model) (llms.LLM, error) { return llm, nil }))
	return New(testProject(), t.TempDir(), opts...)
}

func collectChunks(t *testing.T, ch <-chan Chunk) string {
	t.Helper()
	var text strings.Builder
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		text.WriteString(c.Text)
	}
	return text.String()
}

func TestEchoToolCallLoopHistoryShape(t *testing.T) {
	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{
			ID: "c1", Name: "echo", Arguments: map[string]any{"x": "hi"},
		}}},
		{{Type: llms.EventContent, Text: "hi"}},
	}}
	tools := &echoTools{}
	o := newTestOrchestrator(t, llm, WithTools(tools))

	ch, err := o.StreamChat(context.Background(), Request{
		Model:       "m",
		SessionID:   "s1",
		UserMessage: "call echo with 'hi'",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectChunks(t, ch); got != "hi" {
		t.Errorf("streamed text = %q", got)
	}
	if len(tools.executed) != 1 || tools.executed[0]["x"] != "hi" {
		t.Errorf("tool executions = %v", tools.executed)
	}

	history, err := o.History().Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d: %+v", len(history), history)
	}
	if history[0].Role != "user" || history[0].Content != "call echo with 'hi'" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != "assistant" || len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "echo" {
		t.Errorf("history[1] = %+v", history[1])
	}
	if history[2].Role != "tool" || history[2].Content != "hi" || history[2].ToolCallID != "c1" {
		t.Errorf("history[2] = %+v", history[2])
	}
	if history[3].Role != "assistant" || history[3].Content == "" || history[3].Content == "hi" {
		t.Errorf("guidance message = %+v", history[3])
	}
	if history[4].Role != "assistant" || history[4].Content != "hi" {
		t.Errorf("history[4] = %+v", history[4])
	}
}

// Content A, B then a tool call, then C on the next iteration: the
// caller sees A, B, C and history keeps assistant "AB" before the tool
// message and assistant "C" after.
func TestStreamOrderingAcrossToolCall(t *testing.T) {
	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{
			{Type: llms.EventContent, Text: "A"},
			{Type: llms.EventContent, Text: "B"},
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{
				ID: "c1", Name: "echo", Arguments: map[string]any{"x": "ok"},
			}},
		},
		{{Type: llms.EventContent, Text: "C"}},
	}}
	o := newTestOrchestrator(t, llm, WithTools(&echoTools{}))

	ch, err := o.StreamChat(context.Background(), Request{
		Model: "m", SessionID: "s1", UserMessage: "go",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectChunks(t, ch); got != "ABC" {
		t.Errorf("streamed text = %q", got)
	}

	history, _ := o.History().Load("s1")
	if history[1].Content != "AB" || len(history[1].ToolCalls) != 1 {
		t.Errorf("pre-tool assistant = %+v", history[1])
	}
	last := history[len(history)-1]
	if last.Role != "assistant" || last.Content != "C" {
		t.Errorf("final assistant = %+v", last)
	}
}

func TestIterationBudgetExhausted(t *testing.T) {
	// Every turn requests another tool call.
	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{
			ID: "c", Name: "echo", Arguments: map[string]any{"x": "again"},
		}}},
	}}
	o := newTestOrchestrator(t, llm, WithTools(&echoTools{}))

	ch, err := o.StreamChat(context.Background(), Request{
		Model: "m", SessionID: "s1", UserMessage: "loop forever",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectChunks(t, ch); got != budgetExhaustedMessage {
		t.Errorf("streamed text = %q", got)
	}
	if len(llm.calls) != MaxToolIterations {
		t.Errorf("model calls = %d, want %d", len(llm.calls), MaxToolIterations)
	}

	history, _ := o.History().Load("s1")
	last := history[len(history)-1]
	if last.Content != budgetExhaustedMessage {
		t.Errorf("terminal message = %+v", last)
	}
}

func TestToolFailureBecomesConversationText(t *testing.T) {
	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{
			ID: "c1", Name: "missing", Arguments: map[string]any{},
		}}},
		{{Type: llms.EventContent, Text: "answering directly"}},
	}}
	o := newTestOrchestrator(t, llm, WithTools(&echoTools{}))

	ch, err := o.StreamChat(context.Background(), Request{
		Model: "m", SessionID: "s1", UserMessage: "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectChunks(t, ch); got != "answering directly" {
		t.Errorf("streamed text = %q", got)
	}

	history, _ := o.History().Load("s1")
	var toolMsg *llms.Message
	for i := range history {
		if history[i].Role == "tool" {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "missing") {
		t.Fatalf("tool failure not surfaced: %+v", history)
	}
}

func TestRAGContextInjectedButNotPersisted(t *testing.T) {
	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{{Type: llms.EventContent, Text: "done"}},
	}}
	searcher := &fixedSearcher{results: []rag.Result{
		{Content: "llamas are camelids", Score: 0.9},
	}}
	o := newTestOrchestrator(t, llm, WithSearcher(searcher))

	ch, err := o.StreamChat(context.Background(), Request{
		Model:       "m",
		SessionID:   "s1",
		UserMessage: "what are llamas?",
		RAG:         &RAGOptions{Enabled: true, TopK: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	collectChunks(t, ch)

	// The wire messages carry a context block before the user message.
	msgs := llm.calls[0]
	var contextIdx, userIdx = -1, -1
	for i, m := range msgs {
		if m.Role == "system" && strings.Contains(m.Content, "llamas are camelids") {
			contextIdx = i
		}
		if m.Role == "user" {
			userIdx = i
		}
	}
	if contextIdx == -1 || userIdx == -1 || contextIdx > userIdx {
		t.Fatalf("context block misplaced: %+v", msgs)
	}
	if searcher.lastParams.Query != "what are llamas?" {
		t.Errorf("fallback query = %q", searcher.lastParams.Query)
	}

	// Persisted history stays free of system context.
	history, _ := o.History().Load("s1")
	for _, m := range history {
		if m.Role == "system" {
			t.Errorf("system message persisted: %+v", m)
		}
	}
}

func TestPromptBundleExpansion(t *testing.T) {
	project := testProject()
	project.Prompts = []config.Prompt{
		{Name: "default", Messages: []config.PromptMessage{
			{Role: "system", Content: "default persona"},
		}},
		{Name: "pirate", Messages: []config.PromptMessage{
			{Role: "system", Content: "talk like a pirate"},
		}},
	}
	project.Runtime.Models[0].Prompts = []string{"pirate"}

	llm := &scriptedLLM{turns: [][]llms.StreamEvent{
		{{Type: llms.EventContent, Text: "arr"}},
	}}
	o := New(project, t.TempDir(),
		WithLLMFactory(func(config.Model) (llms.LLM, error) { return llm, nil }))

	ch, err := o.StreamChat(context.Background(), Request{Model: "m", UserMessage: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	collectChunks(t, ch)

	first := llm.calls[0][0]
	if first.Role != "system" || first.Content != "talk like a pirate" {
		t.Errorf("leading message = %+v", first)
	}
	for _, m := range llm.calls[0] {
		if m.Content == "default persona" {
			t.Error("model prompt list should override the default bundle")
		}
	}
}

func TestHistoryStoreRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	msgs := []llms.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi", ToolCalls: []llms.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"x": "1"}},
		}},
	}
	if err := s.Save("sess-1", msgs); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ToolCalls[0].Name != "echo" {
		t.Fatalf("round trip = %+v", got)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("sessions = %v", ids)
	}

	if err := s.Reset("sess-1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.Load("sess-1")
	if err != nil || got != nil {
		t.Errorf("after reset: msgs=%v err=%v", got, err)
	}
}

func TestHistoryStoreRejectsBadSessionIDs(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"", "../escape", "a/b", "has space"} {
		if err := s.Save(id, nil); err == nil {
			t.Errorf("session id %q accepted", id)
		}
	}
}

type fixedSearcher struct {
	results    []rag.Result
	lastParams rag.Params
}

func (f *fixedSearcher) Search(ctx context.Context, p rag.Params) ([]rag.Result, error) {
	f.lastParams = p
	return f.results, nil
}
