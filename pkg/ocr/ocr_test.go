package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToTesseractLang(t *testing.T) {
	tests := []struct {
		name    string
		codes   []string
		want    []string
		wantErr bool
	}{
		{name: "iso codes", codes: []string{"en", "de"}, want: []string{"eng", "deu"}},
		{name: "chinese maps to simplified", codes: []string{"zh"}, want: []string{"chi_sim"}},
		{name: "3-letter passthrough", codes: []string{"eng", "chi_tra"}, want: []string{"eng", "chi_tra"}},
		{name: "unknown 2-letter rejected", codes: []string{"xx"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toTesseractLang(tt.codes)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, "+") != strings.Join(tt.want, "+") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t640\t480\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t20\t50\t15\t96.5\thello\n" +
	"5\t1\t1\t1\t1\t2\t70\t20\t60\t15\t88.0\tworld\n" +
	"5\t1\t1\t1\t2\t1\t10\t40\t30\t15\t-1\t\n"

func TestTesseractRecognize(t *testing.T) {
	var gotArgs []string
	eng, err := newTesseract("", []string{"en", "de"})
	if err != nil {
		t.Fatal(err)
	}
	eng.run = func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(sampleTSV), nil
	}

	results, err := eng.Recognize(context.Background(), [][]byte{{0x89}}, Options{ReturnBoxes: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	res := results[0]
	if res.Text != "hello\nworld" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Boxes) != 2 {
		t.Fatalf("got %d boxes, want 2", len(res.Boxes))
	}
	b := res.Boxes[0]
	if b.X1 != 10 || b.Y1 != 20 || b.X2 != 60 || b.Y2 != 35 {
		t.Errorf("box = %+v", b)
	}
	if b.Confidence != 0.965 {
		t.Errorf("confidence = %v, want 0.965", b.Confidence)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-l eng+deu") {
		t.Errorf("args %q missing language flag", joined)
	}
	if !strings.HasSuffix(joined, "tsv") {
		t.Errorf("args %q missing tsv output", joined)
	}
}

func TestTesseractLanguageOverride(t *testing.T) {
	eng, err := newTesseract("", []string{"en"})
	if err != nil {
		t.Fatal(err)
	}
	var joined string
	eng.run = func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		joined = strings.Join(args, " ")
		return []byte(sampleTSV), nil
	}

	results, err := eng.Recognize(context.Background(), [][]byte{{1}}, Options{Languages: []string{"fr"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(joined, "-l fra") {
		t.Errorf("args %q did not honor the per-request language", joined)
	}
	if len(results[0].Warnings) != 0 {
		t.Errorf("tesseract should not warn on language override: %v", results[0].Warnings)
	}
}

func TestServiceEngineNormalizesBoxes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req serviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if len(req.Images) != 1 {
			t.Errorf("got %d images", len(req.Images))
		}
		// Init-time languages, not the per-request override.
		if len(req.Languages) != 1 || req.Languages[0] != "en" {
			t.Errorf("languages = %v, want [en]", req.Languages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"lines": []map[string]any{
					{"text": "alpha", "confidence": 0.9, "bbox": []float64{1, 2, 3, 4}},
					{"text": "beta", "confidence": 0.8, "polygon": [][]float64{{10, 10}, {30, 12}, {28, 20}, {9, 18}}},
				},
			}},
		})
	}))
	defer srv.Close()

	eng := newServiceEngine("easyocr", srv.URL, []string{"en"})
	results, err := eng.Recognize(context.Background(), [][]byte{{1}}, Options{
		Languages:   []string{"fr"},
		ReturnBoxes: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Engine != "easyocr" {
		t.Errorf("engine = %q", res.Engine)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected a language-override warning, got %v", res.Warnings)
	}
	if res.Text != "alpha\nbeta" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Boxes) != 2 {
		t.Fatalf("got %d boxes", len(res.Boxes))
	}
	poly := res.Boxes[1]
	if poly.X1 != 9 || poly.Y1 != 10 || poly.X2 != 30 || poly.Y2 != 20 {
		t.Errorf("polygon bounding box = %+v", poly)
	}
}

func TestServiceEngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	}))
	defer srv.Close()

	eng := newServiceEngine("surya", srv.URL, []string{"en"})
	if _, err := eng.Recognize(context.Background(), [][]byte{{1}}, Options{}); err == nil {
		t.Fatal("expected error from non-200 service response")
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(EngineConfig{Engine: "surya"}); err == nil {
		t.Error("surya without base_url should fail")
	}
	if _, err := NewEngine(EngineConfig{Engine: "nope"}); err == nil {
		t.Error("unknown engine should fail")
	}
	eng, err := NewEngine(EngineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if eng.Name() != "tesseract" {
		t.Errorf("default engine = %q", eng.Name())
	}
}
