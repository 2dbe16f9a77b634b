package render

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
)

// CardData is everything a backend needs to draw one postcard.
type CardData struct {
	QSO          qsoFields
	FromCallsign string
	FromOperator string
	FromEmail    string
	Size         string
	GeneratedAt  string
}

// Backend turns card data into PDF bytes. Which variant runs is a startup
// composition decision, not a hidden exception path: the real card backend
// is the default, the placeholder stands in when PDF generation is
// unavailable or undesirable, and the renderer falls back from the former
// to the latter on failure.
type Backend interface {
	Render(w io.Writer, card CardData) error
}

// cardDimensions maps a size label to page width/height in inches.
func cardDimensions(size string) (w, h float64) {
	if size == "5x7" {
		return 7, 5
	}
	return 6, 4
}

// CardBackend draws a proper QSL postcard with fpdf.
type CardBackend struct{}

func (CardBackend) Render(w io.Writer, card CardData) error {
	pw, ph := cardDimensions(card.Size)
	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "in",
		Size:    fpdf.SizeType{Wd: pw, Ht: ph},
	})
	pdf.SetMargins(0.3, 0.3, 0.3)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	// Header: sender callsign, big
	pdf.SetFont("Helvetica", "B", 28)
	pdf.CellFormat(0, 0.5, card.FromCallsign, "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 0.2, "Confirming our QSO - thanks for the contact!", "", 1, "C", false, 0, "")
	pdf.Ln(0.1)

	// Contact detail rows
	rows := [][2]string{
		{"To Radio", card.QSO.Callsign},
		{"Date/Time (UTC)", card.QSO.When},
		{"Band", card.QSO.Band},
		{"Mode", card.QSO.Mode},
		{"RST Sent / Recv", card.QSO.RSTSent + " / " + card.QSO.RSTRecv},
	}
	if card.QSO.Grid != "" {
		rows = append(rows, [2]string{"Grid", card.QSO.Grid})
	}
	if card.QSO.QTH != "" {
		rows = append(rows, [2]string{"QTH", card.QSO.QTH})
	}
	pdf.SetFont("Helvetica", "", 11)
	for _, r := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(1.6, 0.26, r[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 0.26, r[1], "", 1, "L", false, 0, "")
	}

	if card.QSO.Notes != "" {
		pdf.Ln(0.05)
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 0.2, card.QSO.Notes, "", "L", false)
	}

	// Footer: operator identity and generation stamp
	pdf.SetY(ph - 0.55)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 0.18, fmt.Sprintf("73, %s (%s)  -  %s", card.FromOperator, card.FromCallsign, card.FromEmail), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 0.18, "Generated "+card.GeneratedAt, "", 1, "C", false, 0, "")

	return pdf.Output(w)
}

// PlaceholderBackend writes a minimal PDF stub so downstream code always has
// an artifact to attach when real generation is unavailable.
type PlaceholderBackend struct{}

func (PlaceholderBackend) Render(w io.Writer, card CardData) error {
	_, err := fmt.Fprintf(w, "%%PDF-1.4\n%% placeholder QSL card for %s (%s %s %s)\n%%%%EOF\n",
		card.QSO.Callsign, card.QSO.When, card.QSO.Band, card.QSO.Mode)
	return err
}
