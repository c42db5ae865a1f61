package report

import (
	"errors"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"example.com/scpgate/internal/scp"
)

const (
	stripsPerPage  = 6
	gridFineStepMM = 1.0
	gridBoldStepMM = 5.0
)

// SaveECGPDF renders the recording as one strip per lead on millimeter grid
// paper, landscape A4, and writes the result to out. Strips are scaled to
// the lead's own amplitude range; the grid carries no calibration meaning.
func SaveECGPDF(rec *scp.Record, title, out string) error {
	if rec == nil || len(rec.Leads) == 0 {
		return errors.New("report: no leads to render")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(title, false)
	pdf.SetCreator("scpctl", false)

	pageW, pageH := pdf.GetPageSize()
	const margin = 12.0
	plotX := margin
	plotW := pageW - 2*margin
	plotTop := margin + 10
	plotH := pageH - plotTop - margin

	for start := 0; start < len(rec.Leads); start += stripsPerPage {
		pdf.AddPage()
		addStripPageHeader(pdf, rec, title)
		drawGrid(pdf, plotX, plotTop, plotW, plotH)

		n := len(rec.Leads) - start
		if n > stripsPerPage {
			n = stripsPerPage
		}
		stripH := plotH / float64(stripsPerPage)
		for i := 0; i < n; i++ {
			lead := rec.Leads[start+i]
			top := plotTop + float64(i)*stripH
			drawLeadStrip(pdf, lead, plotX, top, plotW, stripH)
		}
	}
	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addStripPageHeader(pdf *gofpdf.Fpdf, rec *scp.Record, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetXY(12, 8)
	pdf.Cell(0, 6, title)
	pdf.SetFont("Helvetica", "", 9)
	caption := fmt.Sprintf("%d leads, %d Hz, %.1f s", len(rec.Leads), rec.SamplingRateHz, rec.DurationSeconds())
	if rec.Degraded {
		caption += " (placeholder signal)"
	}
	pdf.SetXY(12, 14)
	pdf.Cell(0, 5, caption)
}

// drawGrid draws ECG-paper style graticule: fine lines every millimeter,
// bold lines every five.
func drawGrid(pdf *gofpdf.Fpdf, x, y, w, h float64) {
	pdf.SetDrawColor(246, 205, 205)
	pdf.SetLineWidth(0.08)
	for gx := 0.0; gx <= w; gx += gridFineStepMM {
		pdf.Line(x+gx, y, x+gx, y+h)
	}
	for gy := 0.0; gy <= h; gy += gridFineStepMM {
		pdf.Line(x, y+gy, x+w, y+gy)
	}
	pdf.SetDrawColor(235, 160, 160)
	pdf.SetLineWidth(0.16)
	for gx := 0.0; gx <= w; gx += gridBoldStepMM {
		pdf.Line(x+gx, y, x+gx, y+h)
	}
	for gy := 0.0; gy <= h; gy += gridBoldStepMM {
		pdf.Line(x, y+gy, x+w, y+gy)
	}
}

func drawLeadStrip(pdf *gofpdf.Fpdf, lead scp.Lead, x, y, w, h float64) {
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetTextColor(60, 60, 60)
	pdf.SetXY(x+1, y+1)
	pdf.Cell(0, 4, lead.Name)
	pdf.SetTextColor(0, 0, 0)
	if len(lead.Samples) < 2 {
		return
	}

	lo, hi := lead.Samples[0], lead.Samples[0]
	for _, s := range lead.Samples {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := float64(hi - lo)
	if span == 0 {
		span = 1
	}

	// Vertical padding keeps adjacent strips from touching.
	pad := h * 0.12
	usable := h - 2*pad
	mid := y + h/2
	plotY := func(v int32) float64 {
		norm := (float64(v) - float64(lo)) / span // 0..1
		return mid + usable/2 - norm*usable
	}

	// One point per ~0.2 mm of width is more than a printer resolves.
	points := int(w * 5)
	if points > len(lead.Samples) {
		points = len(lead.Samples)
	}
	step := float64(len(lead.Samples)-1) / float64(points)
	if step < 1 {
		step = 1
	}

	pdf.SetDrawColor(20, 20, 20)
	pdf.SetLineWidth(0.2)
	prevX := x
	prevY := plotY(lead.Samples[0])
	for p := 1; p <= points; p++ {
		idx := int(float64(p) * step)
		if idx >= len(lead.Samples) {
			idx = len(lead.Samples) - 1
		}
		px := x + w*float64(idx)/float64(len(lead.Samples)-1)
		py := plotY(lead.Samples[idx])
		pdf.Line(prevX, prevY, px, py)
		prevX, prevY = px, py
	}
}
