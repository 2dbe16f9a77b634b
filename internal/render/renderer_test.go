package render

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"qslauto/internal/domain"
)

func testQSO() domain.QSO {
	return domain.QSO{
		ID:       1,
		Callsign: "K1ABC",
		When:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Band:     "20m",
		Mode:     "SSB",
		RSTSent:  "59",
		RSTRecv:  "57",
	}
}

func TestPathDeterministic(t *testing.T) {
	r := New("/out", PlaceholderBackend{}, "W5XY", "Operator", "op@example.com")

	want := filepath.Join("/out", "2024", "01", "K1ABC", "QSL_K1ABC_20240101_120000_4x6.pdf")
	if got := r.Path(testQSO(), "4x6"); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
	if r.Path(testQSO(), "4x6") != r.Path(testQSO(), "4x6") {
		t.Fatalf("path not deterministic")
	}
	if r.Path(testQSO(), "5x7") == r.Path(testQSO(), "4x6") {
		t.Fatalf("size must be part of the path")
	}
}

func TestRenderCreatesArtifactAndParents(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, CardBackend{}, "W5XY", "Operator", "op@example.com")
	r.Now = func() time.Time { return time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC) }

	path, err := r.Render(testQSO(), "4x6")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := filepath.Join(dir, "2024", "01", "K1ABC", "QSL_K1ABC_20240101_120000_4x6.pdf")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF")) {
		t.Fatalf("artifact is not a PDF, starts with %q", b[:min(8, len(b))])
	}
}

type failingBackend struct{}

func (failingBackend) Render(w io.Writer, card CardData) error {
	return errors.New("pdf engine unavailable")
}

func TestRenderFallsBackToPlaceholder(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, failingBackend{}, "W5XY", "Operator", "op@example.com")

	path, err := r.Render(testQSO(), "4x6")
	if err != nil {
		t.Fatalf("render with failing backend must not error, got %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF-1.4")) {
		t.Fatalf("placeholder artifact malformed: %q", b)
	}
}

func TestPlaceholderBackendOutput(t *testing.T) {
	var buf bytes.Buffer
	err := PlaceholderBackend{}.Render(&buf, CardData{QSO: qsoFields{Callsign: "K1ABC", When: "2024-01-01 12:00 UTC", Band: "20m", Mode: "SSB"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("K1ABC")) {
		t.Fatalf("placeholder should reference the contact: %q", buf.String())
	}
}
