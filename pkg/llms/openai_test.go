package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/llamafarm/llamafarm/pkg/config"
)

func sseServer(t *testing.T, lines []string, onRequest func(chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if onRequest != nil {
			onRequest(req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestOpenAIStreamContent(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`,
	}, nil)
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "sk-test")
	ch, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Type != EventContent || events[0].Text != "Hello" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Text != " world" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Type != EventDone || events[2].Tokens != 12 {
		t.Errorf("event 2 = %+v", events[2])
	}
}

// Content deltas A and B, then tool-call argument fragments, then more
// content C: the tool call must be emitted after B and before C only at
// the finish boundary of its own turn; here the provider finishes with
// tool_calls, so the order is A, B, ToolCall, then done.
func TestOpenAIStreamEventOrdering(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"A"}}]}`,
		`{"choices":[{"delta":{"content":"B"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ch, err := client.StreamChatWithTools(context.Background(), []Message{{Role: "user", Content: "x"}},
		[]ToolDefinition{{Name: "search", Description: "web search", Parameters: map[string]any{"type": "object"}}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Type))
	}
	want := "content,content,tool_call,done"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("event order = %s, want %s", got, want)
	}
	tc := events[2].ToolCall
	if tc.ID != "call_1" || tc.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["q"] != "go" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestOpenAIStreamParallelToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"alpha","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c1","function":{"name":"beta","arguments":"{\"n\":1}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ch, _ := client.StreamChatWithTools(context.Background(), []Message{{Role: "user", Content: "x"}},
		[]ToolDefinition{{Name: "alpha"}, {Name: "beta"}})
	events := collect(t, ch)

	var calls []string
	for _, ev := range events {
		if ev.Type == EventToolCall {
			calls = append(calls, ev.ToolCall.Name)
		}
	}
	if strings.Join(calls, ",") != "alpha,beta" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestOpenAIMalformedArgumentsSuppressCall(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"broken","arguments":"{not json"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ch, _ := client.StreamChatWithTools(context.Background(), []Message{{Role: "user", Content: "x"}},
		[]ToolDefinition{{Name: "broken"}})
	for _, ev := range collect(t, ch) {
		if ev.Type == EventToolCall {
			t.Fatalf("malformed arguments should suppress the call, got %+v", ev.ToolCall)
		}
		if ev.Type == EventError {
			t.Fatalf("malformed arguments should not error the stream: %v", ev.Err)
		}
	}
}

func TestOpenAIStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ch, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if !strings.Contains(last.Err.Error(), "model overloaded") {
		t.Errorf("error = %v", last.Err)
	}
}

func TestEmitStopsOnContextCancel(t *testing.T) {
	out := make(chan StreamEvent) // nobody reading
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if emit(ctx, out, StreamEvent{Type: EventContent, Text: "x"}) {
		t.Fatal("emit delivered to a dead consumer")
	}
}

// A consumer that stops reading must not strand the producer on a full
// channel; cancelling the context releases it.
func TestOpenAIStreamProducerUnblocksOnCancel(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = `{"choices":[{"delta":{"content":"x"}}]}`
	}
	srv := sseServer(t, lines, nil)
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan StreamEvent) // unbuffered: second send blocks
	done := make(chan error, 1)
	go func() {
		done <- client.streamRequest(ctx, []Message{{Role: "user", Content: "hi"}}, nil, out)
	}()

	<-out // take one event, then walk away
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("producer still blocked after cancel")
	}
}

func TestOpenAIChatNonStreaming(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "pong"}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "sk-test")
	text, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "ping"}})
	if err != nil {
		t.Fatal(err)
	}
	if text != "pong" {
		t.Errorf("text = %q", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestToolDefinitionsOnTheWire(t *testing.T) {
	var got chatRequest
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	}, func(req chatRequest) { got = req })
	defer srv.Close()

	client := newOpenAIClient("openai", "gpt-4o", srv.URL, "")
	ch, _ := client.StreamChatWithTools(context.Background(), []Message{{Role: "user", Content: "x"}},
		[]ToolDefinition{{Name: "echo", Description: "repeat", Parameters: map[string]any{"type": "object"}}})
	collect(t, ch)

	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "echo" {
		t.Fatalf("tools = %+v", got.Tools)
	}
	if got.ToolChoice != "auto" {
		t.Errorf("tool_choice = %q", got.ToolChoice)
	}
	if !got.Stream {
		t.Error("stream flag not set")
	}
}

func TestFactoryProviders(t *testing.T) {
	tests := []struct {
		name    string
		model   config.Model
		wantErr bool
	}{
		{name: "openai", model: config.Model{Name: "m", Provider: config.ProviderOpenAI, Model: "gpt-4o"}},
		{name: "lemonade", model: config.Model{Name: "m", Provider: config.ProviderLemonade, Model: "llama"}},
		{name: "ollama", model: config.Model{Name: "m", Provider: config.ProviderOllama, Model: "llama3"}},
		{name: "universal with base", model: config.Model{Name: "m", Provider: config.ProviderUniversal, Model: "x", BaseURL: "http://localhost:8000/v1"}},
		{name: "universal without base", model: config.Model{Name: "m", Provider: config.ProviderUniversal, Model: "x"}, wantErr: true},
		{name: "unknown", model: config.Model{Name: "m", Provider: "vertex", Model: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if client.ModelName() != tt.model.Model {
				t.Errorf("model name = %q", client.ModelName())
			}
		})
	}
}
