package scp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Options selects which optional field groups the anonymizer redacts. The
// unconditional redactions (patient id, names, birth date, physician,
// technician) are applied regardless.
type Options struct {
	Datetime bool
	Freetext bool
}

// DefaultOptions redacts everything.
func DefaultOptions() Options {
	return Options{Datetime: true, Freetext: true}
}

// DefaultAnonymousID is used when the caller supplies no replacement id.
const DefaultAnonymousID = "ANON000000"

// NameMarker is the text written over every name tag, repeated and truncated
// to the tag's declared length.
const NameMarker = "REMOVED\x00"

// Change records one field mutation actually performed. Offset addresses the
// first rewritten byte in the output buffer. A field already at its sentinel
// value produces no Change.
type Change struct {
	Field  string
	Tag    uint8
	Offset int
	Before []byte
	After  []byte
}

func (c Change) String() string {
	return fmt.Sprintf("%s at offset %d (%d bytes)", c.Field, c.Offset, len(c.After))
}

// Patch is a same-length in-place overwrite, validated before application.
type Patch struct {
	Offset int
	Data   []byte
	Field  string
	Tag    uint8
}

// applyPatches writes every patch into buf in offset order. Patches must lie
// inside the buffer and must not overlap. Returns the changes that altered
// bytes; no-op patches are dropped.
func applyPatches(buf []byte, patches []Patch) ([]Change, error) {
	sorted := make([]Patch, len(patches))
	copy(sorted, patches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	prevEnd := 0
	for _, p := range sorted {
		if p.Offset < 0 || p.Offset+len(p.Data) > len(buf) {
			return nil, fmt.Errorf("patch %q out of bounds: offset %d size %d buffer %d", p.Field, p.Offset, len(p.Data), len(buf))
		}
		if p.Offset < prevEnd {
			return nil, fmt.Errorf("patch %q overlaps previous patch at offset %d", p.Field, p.Offset)
		}
		prevEnd = p.Offset + len(p.Data)
	}
	var changes []Change
	for _, p := range sorted {
		before := buf[p.Offset : p.Offset+len(p.Data)]
		if bytes.Equal(before, p.Data) {
			continue
		}
		changes = append(changes, Change{
			Field:  p.Field,
			Tag:    p.Tag,
			Offset: p.Offset,
			Before: append([]byte(nil), before...),
			After:  append([]byte(nil), p.Data...),
		})
		copy(buf[p.Offset:], p.Data)
	}
	return changes, nil
}

// Anonymize returns a copy of data with every PHI-bearing Section 1 field
// overwritten in place, the extracted patient id replaced file-wide, and the
// file size and CRC header fields recomputed. The input buffer is not
// modified. TLV lengths and section sizes are never changed, so the output
// has the same length as the input.
func Anonymize(data []byte, anonID string, opts Options) ([]byte, []Change, error) {
	if len(data) < fileHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrShortFile, len(data))
	}
	if anonID == "" {
		anonID = DefaultAnonymousID
	}
	out := make([]byte, len(data))
	copy(out, data)

	var changes []Change
	realID := ""
	sec, found := FindSection(out, SectionPatient, WalkLenient)
	if found {
		patches, extracted := patientPatches(sec, anonID, opts)
		realID = extracted
		applied, err := applyPatches(out, patches)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, applied...)
	}

	// Needles under 4 bytes match incidental byte runs and would corrupt
	// them; the tag 2 overwrite above already redacts short ids at source.
	if realID != "" && len(realID) >= 4 {
		sweeps := idSweepPatches(out, realID, anonID)
		applied, err := applyPatches(out, sweeps)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, applied...)
	}

	changes = append(changes, finalize(out)...)
	return out, changes, nil
}

// patientPatches builds the Section 1 overwrites and returns the patient id
// found in tag 2 before any mutation.
func patientPatches(sec Section, anonID string, opts Options) ([]Patch, string) {
	var patches []Patch
	realID := ""
	Tags(sec.Payload, func(tag Tag) bool {
		valueOffset := sec.Offset + sectionHeaderSize + tag.Offset + tagHeaderSize
		n := len(tag.Value)
		if n == 0 {
			return true
		}
		switch tag.ID {
		case TagPatientID:
			realID = strings.TrimRight(string(tag.Value), "\x00 ")
			patches = append(patches, Patch{valueOffset, padID(anonID, n), "patient id", tag.ID})
		case TagLastName, TagFirstName, TagLastNameAlt, TagFirstNameAlt, TagLastNameAlt2, TagFirstNameAlt2:
			patches = append(patches, Patch{valueOffset, markerFill(n), "patient name", tag.ID})
		case TagBirthDateAlt, TagBirthDate:
			patches = append(patches, Patch{valueOffset, dateSentinel(1900, 1, 1, n), "birth date", tag.ID})
		case TagPhysician:
			patches = append(patches, Patch{valueOffset, make([]byte, n), "physician name", tag.ID})
		case TagTechnician:
			patches = append(patches, Patch{valueOffset, make([]byte, n), "technician name", tag.ID})
		case TagAcqDate:
			if opts.Datetime {
				patches = append(patches, Patch{valueOffset, dateSentinel(2000, 1, 1, n), "acquisition date", tag.ID})
			}
		case TagAcqTime:
			if opts.Datetime {
				patches = append(patches, Patch{valueOffset, make([]byte, n), "acquisition time", tag.ID})
			}
		case TagFreeText:
			if opts.Freetext {
				patches = append(patches, Patch{valueOffset, make([]byte, n), "free text", tag.ID})
			}
		case TagMedHistory:
			if opts.Freetext {
				patches = append(patches, Patch{valueOffset, make([]byte, n), "medical history", tag.ID})
			}
		}
		return true
	})
	return patches, realID
}

// idSweepPatches scans the whole buffer for the extracted patient id, encoded
// as ASCII and as UTF-16LE, and overwrites each occurrence with the anonymous
// id at the same byte width. Ranges belonging to the lead layout and waveform
// sections are left untouched.
func idSweepPatches(buf []byte, realID, anonID string) []Patch {
	signal := signalRanges(buf)
	var patches []Patch
	add := func(needle, replacement []byte, label string) {
		for from := 0; ; {
			i := bytes.Index(buf[from:], needle)
			if i < 0 {
				return
			}
			offset := from + i
			from = offset + 1
			if overlapsAny(offset, len(needle), signal) || overlapsPatches(offset, len(needle), patches) {
				continue
			}
			patches = append(patches, Patch{offset, replacement, label, TagPatientID})
		}
	}
	add([]byte(realID), padID(anonID, len(realID)), "patient id text")
	add(utf16le(realID), utf16le(string(padID(anonID, len(realID)))), "patient id text (utf-16)")
	return patches
}

func overlapsAny(offset, size int, ranges [][2]int) bool {
	for _, r := range ranges {
		if offset < r[1] && offset+size > r[0] {
			return true
		}
	}
	return false
}

func overlapsPatches(offset, size int, patches []Patch) bool {
	for _, p := range patches {
		if offset < p.Offset+len(p.Data) && offset+size > p.Offset {
			return true
		}
	}
	return false
}

// signalRanges returns the [start,end) byte ranges of the lead layout and
// waveform sections. These must survive anonymization byte for byte.
func signalRanges(buf []byte) [][2]int {
	var ranges [][2]int
	Sections(buf, WalkStrict, func(sec Section) bool {
		if sec.ID == SectionLeads || sec.ID == SectionWaveform {
			ranges = append(ranges, [2]int{sec.Offset, sec.Offset + int(sec.Size)})
		}
		return true
	})
	return ranges
}

// finalize rewrites the file size and then the CRC. The CRC covers the size
// field, so the order is fixed. Runs unconditionally on every anonymize call.
func finalize(buf []byte) []Change {
	var changes []Change

	sizeBefore := append([]byte(nil), buf[2:6]...)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(buf)))
	if !bytes.Equal(sizeBefore, buf[2:6]) {
		changes = append(changes, Change{Field: "file size", Offset: 2, Before: sizeBefore, After: append([]byte(nil), buf[2:6]...)})
	}

	crcBefore := append([]byte(nil), buf[0:2]...)
	binary.LittleEndian.PutUint16(buf[0:2], CRC16(buf[2:]))
	if !bytes.Equal(crcBefore, buf[0:2]) {
		changes = append(changes, Change{Field: "checksum", Offset: 0, Before: crcBefore, After: append([]byte(nil), buf[0:2]...)})
	}
	return changes
}

// padID truncates or NUL-pads id to exactly n bytes.
func padID(id string, n int) []byte {
	out := make([]byte, n)
	copy(out, id)
	return out
}

// markerFill repeats NameMarker to exactly n bytes.
func markerFill(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = NameMarker[i%len(NameMarker)]
	}
	return out
}

// dateSentinel encodes {year:u16 BE, month, day} truncated or zero-padded to
// n bytes.
func dateSentinel(year uint16, month, day byte, n int) []byte {
	full := []byte{byte(year >> 8), byte(year), month, day}
	out := make([]byte, n)
	copy(out, full)
	return out
}

// utf16le encodes an ASCII string as UTF-16LE bytes.
func utf16le(s string) []byte {
	out := make([]byte, 2*len(s))
	for i := 0; i < len(s); i++ {
		out[2*i] = s[i]
	}
	return out
}
