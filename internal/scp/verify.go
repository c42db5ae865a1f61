package scp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Report is the outcome of one verification run. Findings are classified as
// issues (verification fails), warnings (logged, non-failing), or passed
// checks.
type Report struct {
	Passed   []string `json:"passed"`
	Warnings []string `json:"warnings"`
	Issues   []string `json:"issues"`
}

// OK reports overall success: no issues. Warnings do not fail verification.
func (r *Report) OK() bool {
	return len(r.Issues) == 0
}

func (r *Report) pass(format string, args ...interface{}) {
	r.Passed = append(r.Passed, fmt.Sprintf(format, args...))
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) issue(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

var (
	nameTokenPattern = regexp.MustCompile(`(?i)\b(smith|johnson|williams|brown|jones|garcia|miller|davis|rodriguez|martinez|wilson|anderson|taylor|thomas|john|mary|james|robert|patricia|michael|linda|william|elizabeth|david|barbara)\b`)
	drNamePattern    = regexp.MustCompile(`Dr\.?\s+[A-Z][a-z]+`)
	lastFirstPattern = regexp.MustCompile(`[A-Z][a-z]{2,},\s*[A-Z][a-z]{2,}`)
	ssnPattern       = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern     = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	datePatterns     = []*regexp.Regexp{
		regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
		regexp.MustCompile(`\d{2}-\d{2}-\d{4}`),
	}
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`),
		regexp.MustCompile(`\b\d{3}[-.]\d{3}[-.]\d{4}\b`),
	}
	digitRunPattern = regexp.MustCompile(`\d{8,}`)
)

// Verify re-walks the anonymized buffer and checks that no identifying data
// remains. When orig is non-nil the lead layout and waveform sections are
// additionally required to be byte-identical to the original. Verification
// never mutates either buffer.
func Verify(anon, orig []byte) *Report {
	report := &Report{}
	if len(anon) < fileHeaderSize {
		report.issue("file shorter than the %d-byte header", fileHeaderSize)
		return report
	}

	checkStructure(anon, orig, report)
	checkPatientSection(anon, report)
	checkHeuristics(anon, report)
	if orig != nil {
		checkSignalIntegrity(anon, orig, report)
	}
	return report
}

// checkStructure reports the stored header fields. The stored CRC is trusted
// and reported, not recomputed; the size field is advisory. Per-section
// payload CRCs are reported informationally for comparison with external
// SCP tooling.
func checkStructure(anon, orig []byte, report *Report) {
	crc := binary.LittleEndian.Uint16(anon[0:2])
	size := binary.LittleEndian.Uint32(anon[2:6])
	count := 0
	var sectionCRCs []string
	Sections(anon, WalkStrict, func(sec Section) bool {
		count++
		sectionCRCs = append(sectionCRCs, fmt.Sprintf("%d:0x%04X", sec.ID, SectionCRC(sec.Payload)))
		return true
	})
	report.pass("stored checksum 0x%04X, %d sections walked", crc, count)
	if len(sectionCRCs) > 0 {
		report.pass("section payload crcs %s", strings.Join(sectionCRCs, " "))
	}
	if int(size) == len(anon) {
		report.pass("declared file size matches buffer length (%d bytes)", size)
	} else {
		report.warn("declared file size %d differs from buffer length %d", size, len(anon))
	}
	if orig != nil && len(orig) != len(anon) {
		report.warn("file length changed from %d to %d bytes", len(orig), len(anon))
	}
}

func checkPatientSection(anon []byte, report *Report) {
	sec, found := FindSection(anon, SectionPatient, WalkLenient)
	if !found {
		report.warn("patient section not found, tag checks skipped")
		return
	}
	Tags(sec.Payload, func(tag Tag) bool {
		checkTag(tag, report)
		return true
	})
}

func checkTag(tag Tag, report *Report) {
	text := strings.TrimRight(string(tag.Value), "\x00 ")
	switch tag.ID {
	case TagPatientID:
		if text == "" || strings.HasPrefix(text, "ANON") {
			report.pass("patient id anonymized (%q)", text)
		} else {
			report.issue("patient id not anonymized: %q", text)
		}
	case TagLastName, TagFirstName, TagLastNameAlt, TagFirstNameAlt, TagLastNameAlt2, TagFirstNameAlt2:
		if isResidualName(tag.Value, text) {
			report.issue("name tag %d still holds %q", tag.ID, text)
		} else {
			report.pass("name tag %d cleared", tag.ID)
		}
	case TagBirthDateAlt, TagBirthDate:
		checkBirthDate(tag, report)
	case TagAcqDate:
		if isDate(tag.Value, 2000, 1, 1) {
			report.pass("acquisition date at sentinel")
		} else {
			report.warn("acquisition date preserved in tag %d", tag.ID)
		}
	case TagAcqTime:
		if allZero(tag.Value) {
			report.pass("acquisition time cleared")
		} else {
			report.warn("acquisition time preserved in tag %d", tag.ID)
		}
	case TagPhysician, TagTechnician:
		if allZero(tag.Value) {
			report.pass("staff name tag %d cleared", tag.ID)
		} else {
			report.issue("staff name tag %d still holds data", tag.ID)
		}
	case TagFreeText, TagMedHistory:
		if allZero(tag.Value) {
			report.pass("text tag %d cleared", tag.ID)
		} else {
			report.warn("text content present in tag %d", tag.ID)
		}
	}
}

// isResidualName reports whether a name tag still carries something
// name-like. The redaction marker, truncated repeats of it, short values, and
// non-alphabetic values all pass.
func isResidualName(value []byte, text string) bool {
	if text == "" || len(text) <= 2 {
		return false
	}
	if strings.Contains(text, strings.TrimRight(NameMarker, "\x00")) {
		return false
	}
	if bytes.Equal(value, markerFill(len(value))) {
		return false
	}
	for _, r := range text {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r == ' ' || r == '-') {
			return false
		}
	}
	return true
}

func checkBirthDate(tag Tag, report *Report) {
	if len(tag.Value) < 4 {
		report.pass("birth date tag %d too short to carry a date", tag.ID)
		return
	}
	if isDate(tag.Value, 1900, 1, 1) {
		report.pass("birth date at sentinel")
		return
	}
	year := int(binary.BigEndian.Uint16(tag.Value[0:2]))
	if year >= 1900 && year <= time.Now().Year() {
		report.issue("birth date still present in tag %d (year %d)", tag.ID, year)
	} else {
		report.pass("birth date tag %d holds no plausible date", tag.ID)
	}
}

func isDate(value []byte, year uint16, month, day byte) bool {
	if len(value) < 4 {
		return false
	}
	return binary.BigEndian.Uint16(value[0:2]) == year && value[2] == month && value[3] == day
}

func allZero(value []byte) bool {
	for _, b := range value {
		if b != 0 {
			return false
		}
	}
	return true
}

// checkHeuristics runs the pattern scan over the whole buffer, independent of
// the TLV structure. Name, SSN, and email shapes are issues; date, phone, and
// long digit runs are warnings since binary payloads can match them by
// accident.
func checkHeuristics(anon []byte, report *Report) {
	text := string(anon)
	hits := 0

	if m := nameTokenPattern.FindString(text); m != "" {
		report.issue("name-like token %q found in raw scan", m)
		hits++
	}
	if m := drNamePattern.FindString(text); m != "" {
		report.issue("title-and-name shape %q found in raw scan", m)
		hits++
	}
	if m := lastFirstPattern.FindString(text); m != "" {
		report.issue("last-comma-first shape %q found in raw scan", m)
		hits++
	}
	if m := ssnPattern.FindString(text); m != "" {
		report.issue("SSN shape %q found in raw scan", m)
		hits++
	}
	if m := emailPattern.FindString(text); m != "" {
		report.issue("email shape %q found in raw scan", m)
		hits++
	}
	for _, p := range datePatterns {
		if m := p.FindString(text); m != "" {
			report.warn("date shape %q found in raw scan", m)
			hits++
			break
		}
	}
	for _, p := range phonePatterns {
		if m := p.FindString(text); m != "" {
			report.warn("phone shape %q found in raw scan", m)
			hits++
			break
		}
	}
	for _, loc := range digitRunPattern.FindAllStringIndex(text, -1) {
		run := text[loc[0]:loc[1]]
		if strings.Trim(run, "0") == "" {
			continue
		}
		if loc[0] >= 4 && text[loc[0]-4:loc[0]] == "ANON" {
			continue
		}
		report.warn("digit run %q found in raw scan", run)
		hits++
		break
	}
	if hits == 0 {
		report.pass("raw pattern scan found nothing identifying")
	}
}

// checkSignalIntegrity requires the lead layout and waveform sections to be
// byte-identical between the anonymized and original buffers, headers
// included.
func checkSignalIntegrity(anon, orig []byte, report *Report) {
	for _, id := range []uint16{SectionLeads, SectionWaveform} {
		a, aok := FindSection(anon, id, WalkStrict)
		o, ook := FindSection(orig, id, WalkStrict)
		switch {
		case !aok && !ook:
			continue
		case aok != ook:
			report.issue("section %d present in only one of the buffers", id)
		case a.Size != o.Size:
			report.issue("section %d size changed from %d to %d", id, o.Size, a.Size)
		case !bytes.Equal(anon[a.Offset:a.Offset+int(a.Size)], orig[o.Offset:o.Offset+int(o.Size)]):
			report.issue("section %d differs from the original", id)
		default:
			report.pass("section %d byte-identical to the original", id)
		}
	}
}
