package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/scpgate/internal/common"
	"example.com/scpgate/internal/manifest"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()
	fn()
	w.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("read captured output: %v", err)
	}
	return buf.String()
}

func TestManifestCmdVerifyAndLookup(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "rec.scp")
	anon := filepath.Join(dir, "rec_ANON000001.scp")
	if err := os.WriteFile(orig, []byte("original"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	if err := os.WriteFile(anon, []byte("anonymized"), 0o644); err != nil {
		t.Fatalf("write anonymized: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	privPath := filepath.Join(dir, "key.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey failed: %v", err)
	}
	pubPath := filepath.Join(dir, "key.pub.pem")
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	m := manifest.New()
	if err := m.AddPair(orig, anon, "ANON000001", true); err != nil {
		t.Fatalf("AddPair failed: %v", err)
	}
	if err := m.Sign(privPEM); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	mappingPath := filepath.Join(dir, "mapping.json")
	if err := manifest.Save(m, mappingPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	out := captureStdout(t, func() {
		manifestCmd([]string{"--in", mappingPath, "--verify-key", pubPath, "--lookup", "ANON000001"})
	})
	if !strings.Contains(out, "signature OK") {
		t.Fatalf("signature check not reported: %q", out)
	}
	if !strings.Contains(out, "ANON000001") || !strings.Contains(out, "verified=true") {
		t.Fatalf("lookup output = %q", out)
	}

	listing := captureStdout(t, func() {
		manifestCmd([]string{"--in", mappingPath})
	})
	if !strings.Contains(listing, "1 entries") || !strings.Contains(listing, "rec.scp") {
		t.Fatalf("listing output = %q", listing)
	}
}

func TestAuditCmd(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "changes.jsonl")
	log := common.NewAuditLog(logPath)
	entries := []common.ChangeEntry{
		{File: "a.scp", Field: "patient id", Tag: 2, Offset: 14, BeforeHex: "313233", AfterHex: "414e4f"},
		{File: "b.scp", Field: "last name", Tag: 8, Offset: 30, BeforeHex: "536d697468", AfterHex: "52454d4f56"},
	}
	for _, e := range entries {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	out := captureStdout(t, func() {
		auditCmd([]string{"--in", logPath, "--file", "a.scp"})
	})
	if !strings.Contains(out, "patient id") || !strings.Contains(out, "1 entries") {
		t.Fatalf("filtered audit output = %q", out)
	}
	if strings.Contains(out, "b.scp") {
		t.Fatalf("filter leaked other files: %q", out)
	}
}

func TestViewCmdRendersPDF(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "rec.scp")
	writeSyntheticSCP(t, in, "123456789")
	pdfPath := filepath.Join(dir, "strips.pdf")

	captureStdout(t, func() {
		viewCmd([]string{"--in", in, "--pdf", pdfPath})
	})
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output is not a PDF")
	}
}
