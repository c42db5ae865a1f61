package scp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func patientFixture() []byte {
	return testTags(
		testTag(TagPatientID, []byte("123456789")),
		testTag(TagLastNameAlt2, []byte("Smith")),
		testTag(TagFirstNameAlt2, []byte("John")),
		testTag(TagBirthDate, testDate(1970, 5, 20)),
		testTag(TagPhysician, []byte("Dr House")),
		testTag(TagTechnician, []byte("Tech")),
		testTag(TagAcqDate, testDate(2024, 12, 31)),
		testTag(TagAcqTime, []byte{13, 45, 9}),
		testTag(TagFreeText, []byte("routine checkup")),
	)
}

func anonymizeFixture() []byte {
	return buildTestFile(
		testSection{id: 1, payload: patientFixture()},
		testSection{id: 3, payload: []byte{1}},
		testSection{id: 6, payload: testWaveform(1, 2000, []int16{100, 105, 95})},
	)
}

func tagValue(t *testing.T, file []byte, sectionID uint16, tagID uint8) []byte {
	t.Helper()
	sec, ok := FindSection(file, sectionID, WalkLenient)
	if !ok {
		t.Fatalf("section %d not found", sectionID)
	}
	var value []byte
	found := false
	Tags(sec.Payload, func(tag Tag) bool {
		if tag.ID == tagID {
			value = tag.Value
			found = true
			return false
		}
		return true
	})
	if !found {
		t.Fatalf("tag %d not found in section %d", tagID, sectionID)
	}
	return value
}

func TestAnonymizeRedactions(t *testing.T) {
	out, changes, err := Anonymize(anonymizeFixture(), "ANON000001", DefaultOptions())
	if err != nil {
		t.Fatalf("Anonymize returned error: %v", err)
	}
	if len(changes) == 0 {
		t.Fatalf("expected a non-empty change log")
	}

	tests := []struct {
		name string
		tag  uint8
		want []byte
	}{
		{name: "patient id truncated to tag length", tag: TagPatientID, want: []byte("ANON00000")},
		{name: "last name marker", tag: TagLastNameAlt2, want: []byte("REMOV")},
		{name: "first name marker", tag: TagFirstNameAlt2, want: []byte("REMO")},
		{name: "birth date sentinel", tag: TagBirthDate, want: testDate(1900, 1, 1)},
		{name: "physician zeroed", tag: TagPhysician, want: make([]byte, 8)},
		{name: "technician zeroed", tag: TagTechnician, want: make([]byte, 4)},
		{name: "acquisition date sentinel", tag: TagAcqDate, want: testDate(2000, 1, 1)},
		{name: "acquisition time zeroed", tag: TagAcqTime, want: []byte{0, 0, 0}},
		{name: "free text zeroed", tag: TagFreeText, want: make([]byte, 15)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tagValue(t, out, SectionPatient, tc.tag); !bytes.Equal(got, tc.want) {
				t.Fatalf("tag %d = %q, want %q", tc.tag, got, tc.want)
			}
		})
	}
}

func TestAnonymizeHeaderInvariants(t *testing.T) {
	orig := anonymizeFixture()
	out, _, err := Anonymize(orig, "ANON000001", DefaultOptions())
	if err != nil {
		t.Fatalf("Anonymize returned error: %v", err)
	}
	if len(out) != len(orig) {
		t.Fatalf("length changed from %d to %d", len(orig), len(out))
	}
	if size := binary.LittleEndian.Uint32(out[2:6]); int(size) != len(out) {
		t.Fatalf("size field = %d, want %d", size, len(out))
	}
	if crc := binary.LittleEndian.Uint16(out[0:2]); crc != CRC16(out[2:]) {
		t.Fatalf("stored crc 0x%04X does not match computed 0x%04X", crc, CRC16(out[2:]))
	}
}

func TestAnonymizePreservesSignal(t *testing.T) {
	orig := anonymizeFixture()
	out, _, err := Anonymize(orig, "ANON000001", DefaultOptions())
	if err != nil {
		t.Fatalf("Anonymize returned error: %v", err)
	}
	for _, id := range []uint16{SectionLeads, SectionWaveform} {
		a, _ := FindSection(out, id, WalkStrict)
		o, _ := FindSection(orig, id, WalkStrict)
		if !bytes.Equal(out[a.Offset:a.Offset+int(a.Size)], orig[o.Offset:o.Offset+int(o.Size)]) {
			t.Fatalf("section %d changed by anonymization", id)
		}
	}

	before, err := Parse(orig)
	if err != nil {
		t.Fatalf("Parse original: %v", err)
	}
	after, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse anonymized: %v", err)
	}
	if !reflect.DeepEqual(before.Leads, after.Leads) {
		t.Fatalf("waveform changed across anonymization")
	}
	if before.SamplingRateHz != after.SamplingRateHz {
		t.Fatalf("sampling rate changed from %d to %d", before.SamplingRateHz, after.SamplingRateHz)
	}
}

func TestAnonymizeIdempotent(t *testing.T) {
	first, _, err := Anonymize(anonymizeFixture(), "ANON000001", DefaultOptions())
	if err != nil {
		t.Fatalf("first Anonymize: %v", err)
	}
	second, changes, err := Anonymize(first, "ANON000001", DefaultOptions())
	if err != nil {
		t.Fatalf("second Anonymize: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("second run produced %d changes, want 0: %v", len(changes), changes)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("second run altered the buffer")
	}
}

func TestAnonymizeIDSweep(t *testing.T) {
	// The real id also appears as free text and as UTF-16LE in another
	// section; both occurrences must be overwritten at the same width.
	notes := []byte("prior visit for 123456789 recorded")
	file := buildTestFile(
		testSection{id: 1, payload: testTags(
			testTag(TagPatientID, []byte("123456789")),
			testTag(TagFreeText, notes),
		)},
		testSection{id: 11, payload: utf16le("patient 123456789 follow-up")},
	)
	out, _, err := Anonymize(file, "ANON1", Options{Datetime: true, Freetext: false})
	if err != nil {
		t.Fatalf("Anonymize returned error: %v", err)
	}
	if len(out) != len(file) {
		t.Fatalf("length changed from %d to %d", len(file), len(out))
	}
	if bytes.Contains(out, []byte("123456789")) {
		t.Fatalf("real id still present as ASCII")
	}
	if bytes.Contains(out, utf16le("123456789")) {
		t.Fatalf("real id still present as UTF-16LE")
	}
	freetext := tagValue(t, out, SectionPatient, TagFreeText)
	if !bytes.Contains(freetext, []byte("ANON1\x00\x00\x00\x00")) {
		t.Fatalf("free text = %q, want padded replacement id", freetext)
	}
	sec, _ := FindSection(out, 11, WalkStrict)
	if !bytes.Contains(sec.Payload, utf16le("ANON1\x00\x00\x00\x00")) {
		t.Fatalf("utf-16 occurrence not replaced: %q", sec.Payload)
	}
}

func TestAnonymizeOptionsPreserveFields(t *testing.T) {
	out, _, err := Anonymize(anonymizeFixture(), "ANON000001", Options{Datetime: false, Freetext: false})
	if err != nil {
		t.Fatalf("Anonymize returned error: %v", err)
	}
	if got := tagValue(t, out, SectionPatient, TagAcqDate); !bytes.Equal(got, testDate(2024, 12, 31)) {
		t.Fatalf("acquisition date changed with datetime disabled: %v", got)
	}
	if got := tagValue(t, out, SectionPatient, TagAcqTime); !bytes.Equal(got, []byte{13, 45, 9}) {
		t.Fatalf("acquisition time changed with datetime disabled: %v", got)
	}
	if got := tagValue(t, out, SectionPatient, TagFreeText); !bytes.Equal(got, []byte("routine checkup")) {
		t.Fatalf("free text changed with freetext disabled: %q", got)
	}
	// Unconditional fields are redacted regardless.
	if got := tagValue(t, out, SectionPatient, TagLastNameAlt2); !bytes.Equal(got, []byte("REMOV")) {
		t.Fatalf("name not redacted: %q", got)
	}
}

func TestAnonymizeShortBuffer(t *testing.T) {
	if _, _, err := Anonymize([]byte{1, 2, 3}, "ANON", DefaultOptions()); !errors.Is(err, ErrShortFile) {
		t.Fatalf("expected ErrShortFile, got %v", err)
	}
}

func TestApplyPatchesValidation(t *testing.T) {
	buf := make([]byte, 8)
	if _, err := applyPatches(buf, []Patch{{Offset: 6, Data: []byte{1, 2, 3}, Field: "oob"}}); err == nil {
		t.Fatalf("out-of-bounds patch accepted")
	}
	if _, err := applyPatches(buf, []Patch{
		{Offset: 0, Data: []byte{1, 2, 3}, Field: "a"},
		{Offset: 2, Data: []byte{4, 5}, Field: "b"},
	}); err == nil {
		t.Fatalf("overlapping patches accepted")
	}

	changes, err := applyPatches(buf, []Patch{
		{Offset: 0, Data: []byte{0, 0}, Field: "noop"},
		{Offset: 4, Data: []byte{9}, Field: "real"},
	})
	if err != nil {
		t.Fatalf("applyPatches returned error: %v", err)
	}
	if len(changes) != 1 || changes[0].Field != "real" {
		t.Fatalf("changes = %v, want the single real patch", changes)
	}
	if buf[4] != 9 {
		t.Fatalf("patch not applied")
	}
}
