package manifest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "rec.scp")
	anon := filepath.Join(dir, "rec_anonymized.scp")
	if err := os.WriteFile(orig, []byte("original bytes"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	if err := os.WriteFile(anon, []byte("anonymized bytes"), 0o644); err != nil {
		t.Fatalf("write anonymized: %v", err)
	}

	m := New()
	if err := m.AddPair(orig, anon, "ANON000001", true); err != nil {
		t.Fatalf("AddPair failed: %v", err)
	}

	out := filepath.Join(dir, "mapping.json")
	if err := Save(m, out); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mapping file mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Items) != 1 {
		t.Fatalf("loaded %d items, want 1", len(loaded.Items))
	}
	item, ok := loaded.Lookup("ANON000001")
	if !ok {
		t.Fatalf("Lookup missed the stored id")
	}
	if item.OriginalSha == "" || item.AnonymizedSha == "" || item.OriginalSha == item.AnonymizedSha {
		t.Fatalf("hashes not recorded: %+v", item)
	}
	if item.Size != int64(len("anonymized bytes")) {
		t.Fatalf("size = %d", item.Size)
	}
}

func TestManifestAddPairMissingFile(t *testing.T) {
	m := New()
	if err := m.AddPair("/nonexistent/a", "/nonexistent/b", "ANON1", false); err == nil {
		t.Fatalf("AddPair accepted missing files")
	}
}

func TestManifestSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey failed: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	m := New()
	m.Items = append(m.Items, Item{Original: "a.scp", Anonymized: "b.scp", AnonymousID: "ANON000001"})
	if err := m.Sign(privPEM); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if m.Signature == nil {
		t.Fatalf("signature not attached")
	}

	// Signature survives a save/load cycle.
	dir := t.TempDir()
	out := filepath.Join(dir, "mapping.json")
	if err := Save(m, out); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := loaded.VerifySignature(pubPEM); err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}

	loaded.Items[0].AnonymousID = "ANON000002"
	if err := loaded.VerifySignature(pubPEM); err == nil {
		t.Fatalf("tampered manifest passed verification")
	}
}
