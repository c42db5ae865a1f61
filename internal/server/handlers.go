package server

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"example.com/scpgate/internal/common"
	"example.com/scpgate/internal/report"
	"example.com/scpgate/internal/scp"
)

// formFile reads one multipart file field into memory, bounded by the
// configured upload limit.
func (s *Server) formFile(r *http.Request, field string) ([]byte, string, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > s.maxUpload {
		return nil, "", fmt.Errorf("file %s exceeds upload limit of %d bytes", header.Filename, s.maxUpload)
	}
	return data, header.Filename, nil
}

func (s *Server) parseOptions(r *http.Request) scp.Options {
	opts := s.defaultOpts
	if v := r.FormValue("datetime"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.Datetime = b
		}
	}
	if v := r.FormValue("freetext"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.Freetext = b
		}
	}
	return opts
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	data, name, err := s.formFile(r, "file")
	if err != nil {
		http.Error(w, fmt.Sprintf("read file: %v", err), http.StatusBadRequest)
		return
	}
	anonID := strings.TrimSpace(r.FormValue("anonymousId"))
	if anonID == "" {
		anonID = scp.DefaultAnonymousID
	}
	opts := s.parseOptions(r)

	anon, changes, err := scp.Anonymize(data, anonID, opts)
	if err != nil {
		http.Error(w, fmt.Sprintf("anonymize: %v", err), http.StatusBadRequest)
		return
	}
	verification := scp.Verify(anon, data)
	doc := report.New(name, anonID, changes, verification)
	doc.Sha256 = common.Sha256OfBytes(anon)

	outPath, err := s.tempPath("anonymized-*.scp")
	if err != nil {
		http.Error(w, fmt.Sprintf("output temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := common.WriteFileAtomic(outPath, anon, 0o644); err != nil {
		http.Error(w, fmt.Sprintf("write output: %v", err), http.StatusInternalServerError)
		return
	}
	doc.Output = outPath

	jsonPath, err := s.tempPath("report-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("report temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SaveJSON(doc, jsonPath); err != nil {
		http.Error(w, fmt.Sprintf("write report: %v", err), http.StatusInternalServerError)
		return
	}
	pdfPath, err := s.tempPath("report-*.pdf")
	if err != nil {
		http.Error(w, fmt.Sprintf("pdf temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SavePDF(doc, report.NewTranslator(s.lang), pdfPath); err != nil {
		http.Error(w, fmt.Sprintf("write pdf: %v", err), http.StatusInternalServerError)
		return
	}
	qrPath, err := s.tempPath("hash-*.png")
	if err != nil {
		http.Error(w, fmt.Sprintf("qr temp: %v", err), http.StatusInternalServerError)
		return
	}
	qrPNG, err := report.FileHashToQR(doc.Sha256, 256)
	if err != nil {
		http.Error(w, fmt.Sprintf("render qr: %v", err), http.StatusInternalServerError)
		return
	}
	if err := common.WriteFileAtomic(qrPath, qrPNG, 0o644); err != nil {
		http.Error(w, fmt.Sprintf("write qr: %v", err), http.StatusInternalServerError)
		return
	}

	outName := anonymizedName(name)
	fileArt, err := s.addArtifact(outPath, outName, "application/octet-stream", "anonymized")
	if err != nil {
		http.Error(w, fmt.Sprintf("register output: %v", err), http.StatusInternalServerError)
		return
	}
	jsonArt, err := s.addArtifact(jsonPath, "report.json", "application/json", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register report: %v", err), http.StatusInternalServerError)
		return
	}
	pdfArt, err := s.addArtifact(pdfPath, "report.pdf", "application/pdf", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register pdf: %v", err), http.StatusInternalServerError)
		return
	}
	qrArt, err := s.addArtifact(qrPath, "hash.png", "image/png", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register qr: %v", err), http.StatusInternalServerError)
		return
	}

	resp := struct {
		Report    report.Document `json:"report"`
		Artifacts []ArtifactRef   `json:"artifacts"`
	}{
		Report:    doc,
		Artifacts: []ArtifactRef{toRef(fileArt), toRef(jsonArt), toRef(pdfArt), toRef(qrArt)},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	data, name, err := s.formFile(r, "file")
	if err != nil {
		http.Error(w, fmt.Sprintf("read file: %v", err), http.StatusBadRequest)
		return
	}
	var orig []byte
	if _, ok := r.MultipartForm.File["original"]; ok {
		orig, _, err = s.formFile(r, "original")
		if err != nil {
			http.Error(w, fmt.Sprintf("read original: %v", err), http.StatusBadRequest)
			return
		}
	}

	verification := scp.Verify(data, orig)
	doc := report.New(name, "", nil, verification)
	doc.Sha256 = common.Sha256OfBytes(data)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	data, name, err := s.formFile(r, "file")
	if err != nil {
		http.Error(w, fmt.Sprintf("read file: %v", err), http.StatusBadRequest)
		return
	}
	rec, err := scp.Parse(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("parse: %v", err), http.StatusBadRequest)
		return
	}
	leads := make([]string, 0, len(rec.Leads))
	for _, lead := range rec.Leads {
		leads = append(leads, lead.Name)
	}
	resp := struct {
		File            string   `json:"file"`
		PatientID       string   `json:"patientId"`
		BirthDate       string   `json:"birthDate,omitempty"`
		AcquisitionDate string   `json:"acquisitionDate,omitempty"`
		Leads           []string `json:"leads"`
		Samples         int      `json:"samplesPerLead"`
		SamplingRateHz  uint32   `json:"samplingRateHz"`
		DurationSeconds float64  `json:"durationSeconds"`
		Degraded        bool     `json:"degraded"`
	}{
		File:            name,
		PatientID:       rec.Patient.ID,
		BirthDate:       rec.Patient.BirthDate,
		AcquisitionDate: rec.Device.AcquisitionDate,
		Leads:           leads,
		Samples:         rec.SampleCount(),
		SamplingRateHz:  rec.SamplingRateHz,
		DurationSeconds: rec.DurationSeconds(),
		Degraded:        rec.Degraded,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := path.Base(r.URL.Path)
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	http.ServeFile(w, r, art.Path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// anonymizedName derives the output filename the same way the CLI does.
func anonymizedName(name string) string {
	base := path.Base(name)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + "_anonymized" + ext
}
