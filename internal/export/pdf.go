package export

import (
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/meltsec/meltscan/internal/errors"
)

// WritePDF writes a session report to path.
func WritePDF(path string, session Session) error {
	if err := writePDF(path, session); err != nil {
		return errors.NewExportError(path, err)
	}
	return nil
}

// writePDF renders a summary block followed by a bordered results table.
// Core fonts are latin-1, so every string goes through the unicode
// translator to keep the accented state names intact.
func writePDF(path string, session Session) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetTitle("MeltScan", true)
	pdf.SetAuthor("meltscan", true)

	pdf.SetHeaderFunc(func() {
		pdf.SetFont("Arial", "B", 15)
		pdf.Cell(0, 10, tr("MeltScan - Relatório de Varredura"))
		pdf.Ln(14)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 10, tr(fmt.Sprintf("Página %d / {nb}", pdf.PageNo())), "", 0, "C", false, 0, "")
	})
	pdf.AliasNbPages("{nb}")
	pdf.AddPage()

	pdf.SetFont("Arial", "I", 10)
	pdf.Cell(0, 8, tr(fmt.Sprintf("Gerado em: %s", time.Now().Format("02/01/2006 15:04:05"))))
	pdf.Ln(8)
	if session.ID != "" {
		pdf.Cell(0, 8, tr(fmt.Sprintf("Sessão: %s", session.ID)))
		pdf.Ln(8)
	}
	if !session.StartedAt.IsZero() {
		pdf.Cell(0, 8, tr(fmt.Sprintf("Início: %s    Duração: %s",
			session.StartedAt.Format("02/01/2006 15:04:05"),
			session.Duration.Round(time.Millisecond))))
		pdf.Ln(8)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, tr("Resumo"))
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 7, tr(fmt.Sprintf("Total de portas verificadas: %d", len(session.Results))))
	pdf.Ln(7)
	counts := CountByState(session.Results)
	for _, state := range displayOrder {
		if counts[state] == 0 {
			continue
		}
		pdf.Cell(0, 7, tr(fmt.Sprintf("%s: %d", DisplayState(state), counts[state])))
		pdf.Ln(7)
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, tr("Resultados"))
	pdf.Ln(9)

	widths := []float64{55, 22, 16, 32, 65}
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(240, 240, 240)
	for i, title := range header {
		pdf.CellFormat(widths[i], 8, tr(title), "1", 0, "", true, 0, "")
	}
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 9)
	fill := false
	for _, r := range session.Results {
		for i, cell := range row(r) {
			pdf.CellFormat(widths[i], 7, tr(cell), "1", 0, "", fill, 0, "")
		}
		pdf.Ln(7)
		fill = !fill
	}

	return pdf.OutputFileAndClose(path)
}
