package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"example.com/scpgate/internal/common"
	"example.com/scpgate/internal/manifest"
	"example.com/scpgate/internal/scp"
)

func writeSyntheticSCP(t *testing.T, path, patientID string) {
	t.Helper()
	tag := func(id uint8, value []byte) []byte {
		out := []byte{id, byte(len(value)), byte(len(value) >> 8)}
		return append(out, value...)
	}
	var patient []byte
	patient = append(patient, tag(2, []byte(patientID))...)
	patient = append(patient, tag(8, []byte("Smith"))...)
	patient = append(patient, tag(10, []byte{0x07, 0xB2, 5, 20})...)
	patient = append(patient, 0xFF, 0, 0)

	waveform := make([]byte, 10)
	binary.LittleEndian.PutUint16(waveform[0:2], 5)
	binary.LittleEndian.PutUint16(waveform[2:4], 2000)
	waveform[5] = 1
	binary.LittleEndian.PutUint16(waveform[6:8], 1)
	binary.LittleEndian.PutUint16(waveform[8:10], 2)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, 3)
	waveform = append(waveform, count...)
	ref := make([]byte, 2)
	binary.LittleEndian.PutUint16(ref, 100)
	waveform = append(waveform, ref...)
	negSample := int8(-10)
	waveform = append(waveform, byte(int8(5)), byte(negSample))

	file := make([]byte, 6)
	for _, sec := range []struct {
		id      uint16
		payload []byte
	}{
		{1, patient},
		{3, []byte{1}},
		{6, waveform},
	} {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint16(header[0:2], sec.id)
		binary.LittleEndian.PutUint32(header[2:6], uint32(8+len(sec.payload)))
		header[6] = 1
		header[7] = 1
		file = append(file, header...)
		file = append(file, sec.payload...)
	}
	binary.LittleEndian.PutUint32(file[2:6], uint32(len(file)))
	binary.LittleEndian.PutUint16(file[0:2], scp.CRC16(file[2:]))

	if err := os.WriteFile(path, file, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	if err := os.MkdirAll(filepath.Join(inputDir, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	outDir := filepath.Join(root, "out")
	mappingPath := filepath.Join(root, "mapping.json")
	auditPath := filepath.Join(root, "changes.jsonl")

	writeSyntheticSCP(t, filepath.Join(inputDir, "ECG_123456789.scp"), "123456789")
	writeSyntheticSCP(t, filepath.Join(inputDir, "nested", "beta.scp"), "987654321")

	batchCmd([]string{
		"--in", inputDir,
		"--out-dir", outDir,
		"--id-prefix", "ANON",
		"--start", "1",
		"--workers", "2",
		"--manifest", mappingPath,
		"--audit", auditPath,
	})

	// Filename embedding the real id is renamed; the other gets a suffix.
	if _, err := os.Stat(filepath.Join(outDir, "ECG_ANON000001.scp")); err != nil {
		t.Fatalf("renamed output missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "beta_ANON000002.scp")); err != nil {
		t.Fatalf("suffixed output missing: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(outDir, "ECG_ANON000001.scp"))
	if err != nil {
		t.Fatalf("ReadFile output: %v", err)
	}
	rec, err := scp.Parse(out)
	if err != nil {
		t.Fatalf("Parse output: %v", err)
	}
	if rec.Patient.ID != "ANON00000" {
		t.Fatalf("patient id = %q", rec.Patient.ID)
	}

	mapping, err := manifest.Load(mappingPath)
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	if len(mapping.Items) != 2 {
		t.Fatalf("manifest items = %d, want 2", len(mapping.Items))
	}
	for _, item := range mapping.Items {
		if !item.Verified {
			t.Fatalf("item not verified: %+v", item)
		}
		if item.OriginalSha == item.AnonymizedSha {
			t.Fatalf("hashes identical for %s", item.Original)
		}
	}

	entries, err := common.ReadAuditLog(auditPath)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("audit log empty")
	}
}

func TestDerivedOutputPath(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		realID string
		anonID string
		want   string
	}{
		{name: "id in filename", in: "/data/ECG_111.scp", realID: "111", anonID: "ANON000001", want: "/data/ECG_ANON000001.scp"},
		{name: "id not in filename", in: "/data/rec.scp", realID: "111", anonID: "ANON000001", want: "/data/rec_ANON000001.scp"},
		{name: "no id known", in: "/data/rec.scp", realID: "", anonID: "ANON000001", want: "/data/rec_ANON000001.scp"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := derivedOutputPath(tc.in, tc.realID, tc.anonID); got != tc.want {
				t.Fatalf("derivedOutputPath = %q, want %q", got, tc.want)
			}
		})
	}
}
