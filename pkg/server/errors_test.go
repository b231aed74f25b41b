package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llamafarm/llamafarm/pkg/anomaly"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/filecache"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/registry"
)

func TestMapErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("buffer: %w", registry.ErrNotFound), http.StatusNotFound},
		{"model not cached", fmt.Errorf("x: %w", hub.ErrModelNotCached), http.StatusNotFound},
		{"file not found", fmt.Errorf("x: %w", filecache.ErrNotFound), http.StatusNotFound},
		{"project not found", fmt.Errorf("ns/p: %w", ErrProjectNotFound), http.StatusNotFound},
		{"already exists", fmt.Errorf("buffer: %w", registry.ErrAlreadyExists), http.StatusConflict},
		{"insufficient disk", fmt.Errorf("x: %w", device.ErrInsufficientDisk), http.StatusBadRequest},
		{"not fitted", fmt.Errorf("x: %w", anomaly.ErrNotFitted), http.StatusBadRequest},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mapError(rec, tt.err)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type = %q", ct)
			}
		})
	}
}

func TestMapErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	mapError(rec, errors.New("open /home/alice/.llamafarm/files/x: permission denied"))

	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Detail != "internal error" {
		t.Errorf("detail = %q, want generic message", body.Detail)
	}

	// Taxonomy errors keep their text; only unclassified ones are
	// replaced.
	rec = httptest.NewRecorder()
	mapError(rec, fmt.Errorf("buffer %q: %w", "b1", registry.ErrNotFound))
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.Detail, "b1") {
		t.Errorf("detail = %q, want original text", body.Detail)
	}
}
