package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type fakeSearcher struct {
	byQuery map[string][]Result
	calls   []string
}

func (f *fakeSearcher) Search(ctx context.Context, p Params) ([]Result, error) {
	f.calls = append(f.calls, p.Query)
	return f.byQuery[p.Query], nil
}

func TestRunQueriesMergeDedupeSortTruncate(t *testing.T) {
	s := &fakeSearcher{byQuery: map[string][]Result{
		"q1": {
			{Content: "the quick brown fox jumps", Score: 0.9},
			{Content: "unrelated passage about go", Score: 0.5},
		},
		"q2": {
			// Exact duplicate of a q1 hit.
			{Content: "the quick brown fox jumps", Score: 0.8},
			// Near-duplicate: one word differs out of five.
			{Content: "the quick brown fox leaps", Score: 0.7},
			{Content: "completely different content here", Score: 0.95},
		},
	}}

	got, err := RunQueries(context.Background(), s, Params{TopK: 3}, []string{"q1", "q2"}, 0.6)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.calls) != 2 {
		t.Errorf("queries run = %v", s.calls)
	}
	if len(got) != 3 {
		t.Fatalf("results = %+v", got)
	}
	// Sorted by score, duplicates gone.
	if got[0].Content != "completely different content here" {
		t.Errorf("top result = %+v", got[0])
	}
	if got[1].Content != "the quick brown fox jumps" {
		t.Errorf("second result = %+v", got[1])
	}
	for _, r := range got {
		if r.Content == "the quick brown fox leaps" {
			t.Error("near-duplicate survived dedup")
		}
	}
}

func TestRunQueriesTruncatesToTopK(t *testing.T) {
	s := &fakeSearcher{byQuery: map[string][]Result{
		"q": {
			{Content: "a", Score: 0.1},
			{Content: "b", Score: 0.2},
			{Content: "c", Score: 0.3},
		},
	}}
	got, err := RunQueries(context.Background(), s, Params{TopK: 2}, []string{"q"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "c" || got[1].Content != "b" {
		t.Fatalf("results = %+v", got)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"a b c", "a b c", 1},
		{"a b c d", "a b c e", 0.6},
		{"", "", 1},
		{"a", "", 0},
	}
	for _, tt := range tests {
		if got := jaccard(tt.a, tt.b); got != tt.want {
			t.Errorf("jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSubprocessSearcher(t *testing.T) {
	s, err := NewSubprocessSearcher([]string{"indexer", "search"})
	if err != nil {
		t.Fatal(err)
	}
	s.run = func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		if name != "indexer" || len(args) != 1 || args[0] != "search" {
			t.Errorf("argv = %s %v", name, args)
		}
		var p Params
		if err := json.Unmarshal(stdin, &p); err != nil {
			t.Fatal(err)
		}
		if p.Query != "llamas" || p.TopK != 4 {
			t.Errorf("request = %+v", p)
		}
		return []byte(`{"results":[{"content":"llamas are camelids","score":0.88}]}`), nil
	}

	got, err := s.Search(context.Background(), Params{Query: "llamas", TopK: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "llamas are camelids" {
		t.Fatalf("results = %+v", got)
	}
}

func TestSubprocessSearcherNonzeroExitIsTransient(t *testing.T) {
	s, _ := NewSubprocessSearcher([]string{"indexer"})
	s.run = func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("exit status 1")
	}
	_, err := s.Search(context.Background(), Params{Query: "x"})
	if !errors.Is(err, ErrSearchUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubprocessSearcherEmptyArgv(t *testing.T) {
	if _, err := NewSubprocessSearcher(nil); err == nil {
		t.Fatal("empty argv accepted")
	}
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := f.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[i] = vec
	}
	return out, nil
}

func TestChromemSearcherIndexAndSearch(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"llamas are camelids":  {1, 0, 0},
		"go is a language":     {0, 1, 0},
		"tell me about llamas": {0.9, 0.1, 0},
	}}
	s := NewChromemSearcher(embedder)
	dir := t.TempDir()

	err := s.Index(context.Background(), dir, "", []Document{
		{ID: "d1", Content: "llamas are camelids", Metadata: map[string]any{"source": "wiki"}},
		{ID: "d2", Content: "go is a language"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(context.Background(), Params{
		ProjectDir: dir,
		Query:      "tell me about llamas",
		TopK:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "llamas are camelids" {
		t.Fatalf("results = %+v", got)
	}
	if got[0].Metadata["source"] != "wiki" {
		t.Errorf("metadata = %v", got[0].Metadata)
	}
}

func TestChromemSearcherEmptyProject(t *testing.T) {
	s := NewChromemSearcher(&fakeEmbedder{})
	got, err := s.Search(context.Background(), Params{
		ProjectDir: t.TempDir(),
		Query:      "anything",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("results from empty store = %+v", got)
	}
}
