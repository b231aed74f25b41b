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
)

func ollamaServer(t *testing.T, chunks []string, onRequest func(ollamaRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if onRequest != nil {
			onRequest(req)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, chunk := range chunks {
			fmt.Fprintln(w, chunk)
		}
	}))
}

func TestOllamaStreamContent(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`,
	}, nil)
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ch, err := client.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Errorf("content events = %+v", events[:2])
	}
	if events[2].Type != EventDone || events[2].Tokens != 7 {
		t.Errorf("done event = %+v", events[2])
	}
}

func TestOllamaToolEnvelopeBecomesToolCall(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"{\"tool_name\": \"we"},"done":false}`,
		`{"message":{"role":"assistant","content":"ather\", \"tool_parameters\": {\"city\": \"Oslo\"}}"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"eval_count":9}`,
	}, nil)
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ch, err := client.StreamChatWithTools(context.Background(),
		[]Message{{Role: "user", Content: "weather in oslo"}},
		[]ToolDefinition{{Name: "weather", Description: "forecast"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Type))
	}
	if strings.Join(kinds, ",") != "tool_call,done" {
		t.Fatalf("event order = %v", kinds)
	}
	tc := events[0].ToolCall
	if tc.Name != "weather" || tc.Arguments["city"] != "Oslo" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("tool call id not assigned")
	}
}

func TestOllamaInvalidJSONReplayedAsContent(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"{oops this "},"done":false}`,
		`{"message":{"role":"assistant","content":"is not json"},"done":true}`,
	}, nil)
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ch, _ := client.StreamChatWithTools(context.Background(),
		[]Message{{Role: "user", Content: "x"}},
		[]ToolDefinition{{Name: "t"}})
	events := collect(t, ch)

	if events[0].Type != EventContent || events[0].Text != "{oops this is not json" {
		t.Fatalf("events = %+v", events)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
}

func TestOllamaPlainAnswerStreamsThroughWithTools(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"It "},"done":false}`,
		`{"message":{"role":"assistant","content":"rains"},"done":true}`,
	}, nil)
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ch, _ := client.StreamChatWithTools(context.Background(),
		[]Message{{Role: "user", Content: "weather"}},
		[]ToolDefinition{{Name: "weather"}})
	events := collect(t, ch)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == EventContent {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "It rains" {
		t.Errorf("text = %q", text.String())
	}
}

func TestOllamaToolInstructionsInSystemMessage(t *testing.T) {
	var got ollamaRequest
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"ok"},"done":true}`,
	}, func(req ollamaRequest) { got = req })
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ch, _ := client.StreamChatWithTools(context.Background(),
		[]Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "x"},
		},
		[]ToolDefinition{{Name: "lookup", Description: "find things"}})
	collect(t, ch)

	if len(got.Messages) == 0 || got.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	sys := got.Messages[0].Content
	if !strings.Contains(sys, "You are terse.") {
		t.Error("original system prompt lost")
	}
	if !strings.Contains(sys, "lookup") || !strings.Contains(sys, "tool_name") {
		t.Error("tool instructions missing from system message")
	}
}

func TestOllamaStreamProducerUnblocksOnCancel(t *testing.T) {
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = `{"message":{"role":"assistant","content":"x"},"done":false}`
	}
	srv := ollamaServer(t, chunks, nil)
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan StreamEvent) // unbuffered: second send blocks
	done := make(chan error, 1)
	go func() {
		done <- client.streamRequest(ctx, []Message{{Role: "user", Content: "hi"}}, nil, out)
	}()

	<-out
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

func TestOllamaChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{
			Message: ollamaMessage{Role: "assistant", Content: "four"},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := newOllamaClient("llama3", srv.URL)
	text, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "2+2?"}})
	if err != nil {
		t.Fatal(err)
	}
	if text != "four" {
		t.Errorf("text = %q", text)
	}
}
