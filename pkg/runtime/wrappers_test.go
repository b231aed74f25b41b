package runtime

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

func TestLanguageWrapperProbeAndGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[{"id":"m"}]}`)
		case "/v1/chat/completions":
			json.NewEncoder(w).Encode(ChatResponse{
				Model: "m",
				Choices: []ChatChoice{{
					Message:      ChatMessage{Role: "assistant", Content: "hi"},
					FinishReason: "stop",
				}},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	w := NewLanguage("m", srv.URL, "")
	if err := w.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err := w.Generate(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	if err := w.Unload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Generate(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("generate after unload should fail")
	}
}

func TestLanguageWrapperProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	srv.Close() // connection refused

	w := NewLanguage("m", srv.URL, "")
	if err := w.Load(context.Background()); err == nil {
		t.Fatal("probe against a dead upstream should fail")
	}
}

func TestLanguageWrapperStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	lw := &languageWrapper{modelID: "m", baseURL: srv.URL, proxy: newOpenAIProxy(srv.URL, "")}
	ch, err := lw.GenerateStream(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var done bool
	for d := range ch {
		if d.Err != nil {
			t.Fatal(d.Err)
		}
		text.WriteString(d.Content)
		if d.Done {
			done = true
		}
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if !done {
		t.Error("stream did not finish cleanly")
	}
}

func TestEncoderBatchSplitting(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		batchSizes = append(batchSizes, len(req.Input))

		resp := embedResponse{}
		for i, text := range req.Input {
			// Encode the input length so order is verifiable.
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(len(text))}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	enc := NewEncoder("e", srv.URL, "", WithMaxBatch(2))
	if err := enc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := enc.Embed(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vector %d = %v, want [%d]", i, vecs[i], len(text))
		}
	}
	if len(batchSizes) != 3 || batchSizes[0] != 2 || batchSizes[1] != 2 || batchSizes[2] != 1 {
		t.Errorf("batch sizes = %v", batchSizes)
	}
}

func TestGGUFServerArgs(t *testing.T) {
	lang := &ggufWrapper{kind: KindLanguageGGUF, port: 4242, ctxSize: 8192}
	args := strings.Join(lang.serverArgs("/models/x.gguf"), " ")
	if !strings.Contains(args, "--model /models/x.gguf") ||
		!strings.Contains(args, "--ctx-size 8192") ||
		!strings.Contains(args, "--port 4242") {
		t.Errorf("args = %s", args)
	}
	if strings.Contains(args, "--embedding") {
		t.Error("chat server should not pass --embedding")
	}

	enc := &ggufWrapper{kind: KindEncoderGGUF, port: 4242, ctxSize: 512}
	if !strings.Contains(strings.Join(enc.serverArgs("/m.gguf"), " "), "--embedding") {
		t.Error("embedding server missing --embedding")
	}
}

func TestGGUFWaitHealthyDetectsEarlyExit(t *testing.T) {
	exited := make(chan error, 1)
	exited <- fmt.Errorf("exit status 1")
	close(exited)

	w := &ggufWrapper{kind: KindLanguageGGUF, modelID: "org/model", port: 1, exited: exited}

	start := time.Now()
	err := w.waitHealthy(context.Background())
	if err == nil {
		t.Fatal("expected startup failure")
	}
	if !strings.Contains(err.Error(), "exited during startup") {
		t.Errorf("error = %v", err)
	}
	// The exit must short-circuit the poll loop, not ride out the
	// health budget.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %v to notice the exit", elapsed)
	}

	// Post-close receives return immediately, so a later reap of the
	// same process does not hang.
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit channel blocked after close")
	}
}

func TestServerLogName(t *testing.T) {
	if got := serverLogName("org/model:Q4_K_M"); got != "org_model_Q4_K_M.log" {
		t.Errorf("log name = %q", got)
	}
}

func TestDefaultFactoryKinds(t *testing.T) {
	settings := testSettings(1, 1)
	settings.AnomalyModelsDir = t.TempDir()
	upstream := func(modelID string) (string, string, bool) {
		if modelID == "known" {
			return "http://localhost:9999", "", true
		}
		return "", "", false
	}
	factory := DefaultFactory(settings, upstream)

	tests := []struct {
		kind    string
		modelID string
		wantErr bool
	}{
		{KindLanguage, "known", false},
		{KindLanguage, "unknown", true},
		{KindLanguageGGUF, "org/model", false},
		{KindEncoder, "known", false},
		{KindEncoderGGUF, "org/model", false},
		{KindOCR, "tesseract", false},
		{KindAnomaly, "detector-1", false},
		{"unsupported", "x", true},
	}
	for _, tt := range tests {
		w, err := factory(tt.kind, tt.modelID)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s/%s: expected error", tt.kind, tt.modelID)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%s: %v", tt.kind, tt.modelID, err)
			continue
		}
		if w.Kind() != tt.kind {
			t.Errorf("%s: kind = %q", tt.kind, w.Kind())
		}
	}
}
