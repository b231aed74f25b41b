package filecache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPutGetReadDelete(t *testing.T) {
	c := newTestCache(t)

	entry, err := c.Put(context.Background(), "notes.txt", "text/plain", []byte("hello"), false)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" || entry.Size != 5 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Pages != 0 {
		t.Errorf("text upload got page count %d", entry.Pages)
	}

	got, err := c.Get(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "notes.txt" {
		t.Errorf("filename = %q", got.Filename)
	}

	data, err := c.Read(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}

	if err := c.Delete(entry.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	if err := c.Delete(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := os.Stat(entry.Path()); !os.IsNotExist(err) {
		t.Error("cached file not removed from disk")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t, WithTTL(10*time.Millisecond))

	entry, err := c.Put(context.Background(), "a.bin", "application/octet-stream", []byte{1, 2, 3}, false)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry: %v", err)
	}
	if len(c.List()) != 0 {
		t.Error("expired entry still listed")
	}

	c.evictExpired(time.Now())
	if _, err := os.Stat(entry.Path()); !os.IsNotExist(err) {
		t.Error("expired file not removed by eviction")
	}
}

func TestPDFDetection(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		want        bool
	}{
		{name: "content type", filename: "x", contentType: "application/pdf", data: nil, want: true},
		{name: "extension", filename: "doc.PDF", contentType: "", data: nil, want: true},
		{name: "magic bytes", filename: "blob", contentType: "", data: []byte("%PDF-1.7\n"), want: true},
		{name: "plain text", filename: "a.txt", contentType: "text/plain", data: []byte("hi"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPDF(tt.filename, tt.contentType, tt.data); got != tt.want {
				t.Errorf("isPDF = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRasterizeUsesInjectedRasterizer(t *testing.T) {
	var gotPDF string
	fake := func(ctx context.Context, pdfPath, outDir string) ([]string, error) {
		gotPDF = pdfPath
		page := filepath.Join(outDir, "page-01.png")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(page, []byte("png"), 0o644); err != nil {
			return nil, err
		}
		return []string{page}, nil
	}
	c := newTestCache(t, WithRasterizer(fake))

	entry, err := c.Put(context.Background(), "doc.pdf", "application/pdf", []byte("%PDF-1.4 not a real pdf"), true)
	if err != nil {
		t.Fatal(err)
	}
	if gotPDF != entry.Path() {
		t.Errorf("rasterizer got %q, want %q", gotPDF, entry.Path())
	}
	if len(entry.PageImages) != 1 {
		t.Fatalf("page images = %v", entry.PageImages)
	}

	if err := c.Delete(entry.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(entry.PageImages[0]); !os.IsNotExist(err) {
		t.Error("page images not removed with the entry")
	}
}

func TestRasterizeFailureCleansUp(t *testing.T) {
	boom := func(ctx context.Context, pdfPath, outDir string) ([]string, error) {
		return nil, errors.New("no poppler")
	}
	c := newTestCache(t, WithRasterizer(boom))

	_, err := c.Put(context.Background(), "doc.pdf", "application/pdf", []byte("%PDF-1.4"), true)
	if err == nil {
		t.Fatal("expected rasterize failure")
	}
	if len(c.List()) != 0 {
		t.Error("failed upload left an entry behind")
	}
}
