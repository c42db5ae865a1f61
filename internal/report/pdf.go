package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// SavePDF renders the document into a PDF report, localized through the
// provided translator.
func SavePDF(doc Document, tr Translator, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(tr.T("title"), false)
	pdf.SetAuthor("scpctl", false)
	pdf.SetCreator("scpctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, tr.T("title"))
	addSummarySection(pdf, doc, tr)
	addChangesSection(pdf, doc.Changes, tr)
	addFindingsSection(pdf, tr.T("issues"), doc.Issues, tr)
	addFindingsSection(pdf, tr.T("warnings"), doc.Warnings, tr)
	addFindingsSection(pdf, tr.T("passed"), doc.Passed, tr)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, doc Document, tr Translator) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tr.T("summary"))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: tr.T("file"), value: doc.File},
		{label: tr.T("anonymous_id"), value: doc.AnonymousID},
		{label: tr.T("created"), value: doc.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		{label: tr.T("sha256"), value: emptyFallback(doc.Sha256, "-")},
		{label: tr.T("changes"), value: strconv.Itoa(len(doc.Changes))},
		{label: tr.T("issues"), value: strconv.Itoa(len(doc.Issues))},
		{label: tr.T("warnings"), value: strconv.Itoa(len(doc.Warnings))},
		{label: tr.T("overall"), value: passLabel(doc.Pass(), tr)},
	}
	if doc.Degraded {
		items = append(items, struct {
			label string
			value string
		}{label: tr.T("degraded"), value: tr.T("degraded_note")})
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addChangesSection(pdf *gofpdf.Fpdf, changes []string, tr Translator) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, tr.T("changes"))
	pdf.Ln(9)

	if len(changes) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr.T("no_changes"), "", "L", false)
		pdf.Ln(2)
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	for i, c := range changes {
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", i+1, c), "", "L", false)
	}
	pdf.Ln(2)
}

func addFindingsSection(pdf *gofpdf.Fpdf, heading string, findings []string, tr Translator) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, heading)
	pdf.Ln(9)

	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr.T("no_findings"), "", "L", false)
		pdf.Ln(2)
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	for i, f := range findings {
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", i+1, f), "", "L", false)
	}
	pdf.Ln(2)
}

func passLabel(pass bool, tr Translator) string {
	if pass {
		return tr.T("pass")
	}
	return tr.T("fail")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
