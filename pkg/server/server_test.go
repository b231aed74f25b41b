package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/rag"
	"github.com/llamafarm/llamafarm/pkg/runtime"
)

// fakeLanguage satisfies runtime.LanguageModel without any backend.
type fakeLanguage struct {
	modelID string
}

func (f *fakeLanguage) Load(ctx context.Context) error   { return nil }
func (f *fakeLanguage) Unload(ctx context.Context) error { return nil }
func (f *fakeLanguage) Kind() string                     { return runtime.KindLanguage }
func (f *fakeLanguage) SupportsStreaming() bool          { return true }
func (f *fakeLanguage) Info() runtime.Info {
	return runtime.Info{Kind: runtime.KindLanguage, ModelID: f.modelID}
}

func (f *fakeLanguage) Generate(ctx context.Context, req runtime.ChatRequest) (*runtime.ChatResponse, error) {
	return &runtime.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []runtime.ChatChoice{{
			Message:      runtime.ChatMessage{Role: "assistant", Content: "hello there"},
			FinishReason: "stop",
		}},
	}, nil
}

func (f *fakeLanguage) GenerateStream(ctx context.Context, req runtime.ChatRequest) (<-chan runtime.Delta, error) {
	out := make(chan runtime.Delta, 4)
	out <- runtime.Delta{Content: "Hel"}
	out <- runtime.Delta{Content: "lo"}
	out <- runtime.Delta{FinishReason: "stop", Done: true}
	close(out)
	return out, nil
}

type fakeEncoder struct {
	fakeLanguage
}

func (f *fakeEncoder) Kind() string { return runtime.KindEncoder }

func (f *fakeEncoder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeSearcher struct {
	results []rag.Result
}

func (f *fakeSearcher) Search(ctx context.Context, p rag.Params) ([]rag.Result, error) {
	return f.results, nil
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	return &config.Settings{
		DataDir:         dir,
		ProjectsDir:     dir + "/projects",
		HFCacheDir:      dir + "/hf",
		UnloadTimeout:   time.Minute,
		CleanupInterval: time.Minute,
		MaxCachedModels: 8,
		FileCacheTTL:    time.Hour,
	}
}

func testServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	settings := testSettings(t)
	factory := func(kind, modelID string) (runtime.Wrapper, error) {
		switch kind {
		case runtime.KindLanguage:
			return &fakeLanguage{modelID: modelID}, nil
		case runtime.KindEncoder:
			return &fakeEncoder{fakeLanguage{modelID: modelID}}, nil
		default:
			return nil, fmt.Errorf("unsupported kind %q", kind)
		}
	}
	manager := runtime.NewManager(settings, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	srv := New(settings, manager, &fakeSearcher{}, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]any{
		"model":    "tinyllama",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body runtime.ChatResponse
	decodeBody(t, resp, &body)
	if got := body.Choices[0].Message.Content; got != "hello there" {
		t.Fatalf("content = %q", got)
	}
}

func TestChatCompletionsStreamEndsWithDone(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]any{
		"model":    "tinyllama",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"content":"Hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Fatalf("stream missing content chunks:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("stream does not end with [DONE]:\n%s", body)
	}
}

func TestChatCompletionsRequiresModel(t *testing.T) {
	_, ts := testServer(t)
	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEmbeddingsStringAndList(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/v1/embeddings", map[string]any{
		"model": "minilm",
		"input": "one text",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Data []embeddingData `json:"data"`
	}
	decodeBody(t, resp, &body)
	if len(body.Data) != 1 {
		t.Fatalf("data len = %d, want 1", len(body.Data))
	}

	resp = postJSON(t, ts.URL+"/v1/embeddings", map[string]any{
		"model": "minilm",
		"input": []string{"a", "b", "c"},
	})
	decodeBody(t, resp, &body)
	if len(body.Data) != 3 {
		t.Fatalf("data len = %d, want 3", len(body.Data))
	}
	for i, d := range body.Data {
		if d.Index != i {
			t.Fatalf("data[%d].Index = %d", i, d.Index)
		}
	}
}

func TestModelDownloadInsufficientDisk(t *testing.T) {
	hf := fakeHubServer(t, map[string]string{"m.Q4_K_M.gguf": "0123456789"})
	_, ts := testServer(t,
		WithDownloader(hub.NewDownloader(t.TempDir(), hub.WithBaseURL(hf.URL))),
		WithDiskCheck(func(path string, size uint64) (device.DownloadCheck, error) {
			return device.DownloadCheck{}, fmt.Errorf("%w: need %d bytes", device.ErrInsufficientDisk, size)
		}),
	)

	resp := postJSON(t, ts.URL+"/v1/models/download", map[string]any{
		"model": "org/model",
		"files": []string{"m.Q4_K_M.gguf"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Detail, "Insufficient disk space") {
		t.Fatalf("detail = %q", body.Detail)
	}
}

func TestModelDownloadWarningEventAndDone(t *testing.T) {
	hf := fakeHubServer(t, map[string]string{"m.Q4_K_M.gguf": "0123456789"})
	_, ts := testServer(t,
		WithDownloader(hub.NewDownloader(t.TempDir(), hub.WithBaseURL(hf.URL))),
		WithDiskCheck(func(path string, size uint64) (device.DownloadCheck, error) {
			return device.DownloadCheck{Warning: "download will leave only 4.0% disk free"}, nil
		}),
	)

	resp := postJSON(t, ts.URL+"/v1/models/download", map[string]any{
		"model": "org/model",
		"files": []string{"m.Q4_K_M.gguf"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"event":"warning"`) {
		t.Fatalf("stream missing warning event:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("stream does not end with [DONE]:\n%s", body)
	}
}

// fakeHubServer answers HEAD and GET for repo files the way the HF CDN
// layout expects.
func fakeHubServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		name := parts[len(parts)-1]
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		if r.Method == http.MethodHead {
			return
		}
		io.WriteString(w, content)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestModelDeleteUnsupported(t *testing.T) {
	_, ts := testServer(t)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/models/plainname", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestModelDeleteAbsent(t *testing.T) {
	_, ts := testServer(t)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/models/org/missing", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBufferLifecycle(t *testing.T) {
	_, ts := testServer(t)
	base := ts.URL + "/v1/polars/buffers"

	resp := postJSON(t, base+"/", map[string]any{"id": "sensors", "window": 3})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate ids conflict.
	resp = postJSON(t, base+"/", map[string]any{"id": "sensors", "window": 3})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	for i := 0; i < 5; i++ {
		resp = postJSON(t, base+"/sensors/append", map[string]any{
			"record": map[string]any{"temp": float64(i), "tag": "a"},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("append status = %d, want 200", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(base + "/sensors/data")
	if err != nil {
		t.Fatalf("GET data: %v", err)
	}
	var data struct {
		Records []map[string]any `json:"records"`
		Total   int64            `json:"total"`
	}
	decodeBody(t, resp, &data)
	if len(data.Records) != 3 {
		t.Fatalf("records len = %d, want window 3", len(data.Records))
	}
	if data.Total != 5 {
		t.Fatalf("total = %d, want 5", data.Total)
	}

	resp = postJSON(t, base+"/sensors/features", map[string]any{"windows": []int{2}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("features status = %d, want 200", resp.StatusCode)
	}
	var frame struct {
		Columns []string `json:"columns"`
		Rows    int      `json:"rows"`
	}
	decodeBody(t, resp, &frame)
	if frame.Rows != 3 {
		t.Fatalf("rows = %d, want 3", frame.Rows)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/sensors/", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}

	resp, err = http.Get(base + "/sensors/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAnomalyStreamingRoutes(t *testing.T) {
	_, ts := testServer(t)
	base := ts.URL + "/v1/anomaly/streaming"

	resp := postJSON(t, base+"/det-1/process", map[string]any{
		"record": map[string]any{"value": 1.5},
		"index":  0,
		"config": map[string]any{"backend": "ecod", "min_samples": 5},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		Status            string   `json:"status"`
		Score             *float64 `json:"score"`
		SamplesUntilReady int      `json:"samples_until_ready"`
	}
	decodeBody(t, resp, &result)
	if result.Status != "collecting" {
		t.Fatalf("status = %q, want collecting", result.Status)
	}
	if result.Score != nil {
		t.Fatalf("score = %v, want null while collecting", *result.Score)
	}

	resp, err := http.Get(base + "/det-1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(base + "/")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	var list struct {
		Models []struct {
			ModelID string `json:"model_id"`
		} `json:"models"`
	}
	decodeBody(t, resp, &list)
	if len(list.Models) != 1 || list.Models[0].ModelID != "det-1" {
		t.Fatalf("list = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/det-1/", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}

	resp, err = http.Get(base + "/det-1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stats-after-delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAnomalyBackendsListing(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/v1/anomaly/backends")
	if err != nil {
		t.Fatalf("GET backends: %v", err)
	}
	var body struct {
		Backends []struct {
			Name string `json:"name"`
		} `json:"backends"`
	}
	decodeBody(t, resp, &body)
	names := make(map[string]bool)
	for _, b := range body.Backends {
		names[b.Name] = true
	}
	if !names["ecod"] || !names["iforest"] {
		t.Fatalf("backends missing expected entries: %v", names)
	}
}

func TestFileLifecycle(t *testing.T) {
	_, ts := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	io.WriteString(fw, "hello world")
	mw.Close()

	resp, err := http.Post(ts.URL+"/v1/files/", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST file: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	var entry struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	decodeBody(t, resp, &entry)
	if entry.Filename != "notes.txt" || entry.Size != 11 {
		t.Fatalf("entry = %+v", entry)
	}

	resp, err = http.Get(ts.URL + "/v1/files/" + entry.ID)
	if err != nil {
		t.Fatalf("GET file: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/files/"+entry.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/files/" + entry.ID)
	if err != nil {
		t.Fatalf("GET file: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", resp.StatusCode)
	}
}
