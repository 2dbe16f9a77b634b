// Package render produces postcard PDF artifacts at deterministic paths.
// The artifact is derived state: safe to regenerate, never the source of
// truth for what was actually sent (the ledger is).
package render

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"qslauto/internal/domain"
	"qslauto/internal/observability"
)

// qsoFields is the pre-formatted subset of a QSO that backends draw.
type qsoFields struct {
	Callsign string
	When     string
	Band     string
	Mode     string
	RSTSent  string
	RSTRecv  string
	Grid     string
	QTH      string
	Notes    string
}

type Renderer struct {
	OutputDir    string
	Backend      Backend
	Fallback     Backend
	FromCallsign string
	FromOperator string
	FromEmail    string
	Now          func() time.Time
}

func New(outputDir string, backend Backend, fromCallsign, fromOperator, fromEmail string) *Renderer {
	return &Renderer{
		OutputDir:    outputDir,
		Backend:      backend,
		Fallback:     PlaceholderBackend{},
		FromCallsign: fromCallsign,
		FromOperator: fromOperator,
		FromEmail:    fromEmail,
		Now:          time.Now,
	}
}

// Path is the deterministic artifact location for a QSO and size:
// {output}/{YYYY}/{MM}/{callsign}/QSL_{callsign}_{YYYYMMDD_HHMMSS}_{size}.pdf
func (r *Renderer) Path(qso domain.QSO, size string) string {
	t := qso.When.UTC()
	name := fmt.Sprintf("QSL_%s_%s_%s.pdf", qso.Callsign, t.Format("20060102_150405"), size)
	return filepath.Join(r.OutputDir, t.Format("2006"), t.Format("01"), qso.Callsign, name)
}

// Render writes the postcard and returns its path. A failing card backend
// degrades to the placeholder instead of erroring, so the batch never stalls
// on PDF generation; the fallback is logged and counted.
func (r *Renderer) Render(qso domain.QSO, size string) (string, error) {
	out := r.Path(qso, size)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	card := CardData{
		QSO: qsoFields{
			Callsign: qso.Callsign,
			When:     qso.When.UTC().Format("2006-01-02 15:04 UTC"),
			Band:     qso.Band,
			Mode:     qso.Mode,
			RSTSent:  qso.RSTSent,
			RSTRecv:  qso.RSTRecv,
			Grid:     qso.Grid,
			QTH:      qso.QTH,
			Notes:    qso.Notes,
		},
		FromCallsign: r.FromCallsign,
		FromOperator: r.FromOperator,
		FromEmail:    r.FromEmail,
		Size:         size,
		GeneratedAt:  r.Now().UTC().Format("2006-01-02 15:04 UTC"),
	}

	var buf bytes.Buffer
	if err := r.Backend.Render(&buf, card); err != nil {
		slog.Warn("card backend failed, using placeholder", "callsign", qso.Callsign, "err", err)
		observability.RenderFallback.Inc()
		buf.Reset()
		if err := r.Fallback.Render(&buf, card); err != nil {
			return "", fmt.Errorf("placeholder render: %w", err)
		}
	}

	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write postcard: %w", err)
	}
	return out, nil
}
