package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"example.com/scpgate/internal/scp"
)

// Document is the persisted outcome of anonymizing and verifying one file.
type Document struct {
	File        string    `json:"file"`
	Output      string    `json:"output,omitempty"`
	AnonymousID string    `json:"anonymousId"`
	CreatedAt   time.Time `json:"createdAt"`
	Sha256      string    `json:"sha256,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	Changes     []string  `json:"changes"`
	Passed      []string  `json:"passed"`
	Warnings    []string  `json:"warnings"`
	Issues      []string  `json:"issues"`
}

// New assembles a Document from the anonymizer's change log and the
// verifier's report.
func New(file, anonID string, changes []scp.Change, rep *scp.Report) Document {
	doc := Document{
		File:        file,
		AnonymousID: anonID,
		CreatedAt:   time.Now().UTC(),
	}
	for _, c := range changes {
		doc.Changes = append(doc.Changes, c.String())
	}
	if rep != nil {
		doc.Passed = rep.Passed
		doc.Warnings = rep.Warnings
		doc.Issues = rep.Issues
	}
	return doc
}

// Pass reports overall verification success.
func (d Document) Pass() bool {
	return len(d.Issues) == 0
}

// Summary renders a one-line outcome for logs.
func (d Document) Summary() string {
	verdict := "PASS"
	if !d.Pass() {
		verdict = "FAIL"
	}
	return fmt.Sprintf("%s: %s (%d changes, %d warnings, %d issues)",
		d.File, verdict, len(d.Changes), len(d.Warnings), len(d.Issues))
}

func SaveJSON(doc Document, out string) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Document, error) {
	var doc Document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(b, &doc)
	return doc, err
}
