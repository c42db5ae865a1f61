package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"example.com/scpgate/internal/common"
	"example.com/scpgate/internal/crypto"
)

// Item maps one original recording to its anonymized counterpart. The
// original hash stays out of the anonymized output tree, so the mapping file
// is the only link back and must be stored separately from the outputs.
type Item struct {
	Original      string `json:"original"`
	Anonymized    string `json:"anonymized"`
	AnonymousID   string `json:"anonymousId"`
	OriginalSha   string `json:"originalSha256"`
	AnonymizedSha string `json:"anonymizedSha256"`
	Size          int64  `json:"size"`
	Verified      bool   `json:"verified"`
}

// Manifest records one anonymization run.
type Manifest struct {
	CreatedAt time.Time   `json:"createdAt"`
	ShaAlgo   string      `json:"shaAlgo"`
	Items     []Item      `json:"items"`
	Signature *crypto.JWS `json:"signature,omitempty"`
}

// New returns an empty manifest stamped with the current time.
func New() Manifest {
	return Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
}

// AddPair hashes both files and appends a mapping item.
func (m *Manifest) AddPair(original, anonymized, anonID string, verified bool) error {
	origSha, _, err := common.Sha256OfFile(original)
	if err != nil {
		return fmt.Errorf("hash original: %w", err)
	}
	anonSha, size, err := common.Sha256OfFile(anonymized)
	if err != nil {
		return fmt.Errorf("hash anonymized: %w", err)
	}
	m.Items = append(m.Items, Item{
		Original:      original,
		Anonymized:    anonymized,
		AnonymousID:   anonID,
		OriginalSha:   origSha,
		AnonymizedSha: anonSha,
		Size:          size,
		Verified:      verified,
	})
	return nil
}

// Lookup returns the item for an anonymous id, if present.
func (m Manifest) Lookup(anonID string) (Item, bool) {
	for _, item := range m.Items {
		if item.AnonymousID == anonID {
			return item, true
		}
	}
	return Item{}, false
}

// Sign attaches an RS256 signature over the manifest contents. Any previous
// signature is discarded before signing.
func (m *Manifest) Sign(privateKeyPEM []byte) error {
	m.Signature = nil
	payload, err := json.Marshal(*m)
	if err != nil {
		return err
	}
	jws, err := crypto.SignJWS(payload, privateKeyPEM)
	if err != nil {
		return err
	}
	m.Signature = &jws
	return nil
}

// VerifySignature checks that the signature is valid and was computed over
// the manifest as stored.
func (m Manifest) VerifySignature(publicKeyPEM []byte) error {
	if m.Signature == nil {
		return errors.New("manifest is unsigned")
	}
	sig := *m.Signature
	m.Signature = nil
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	signed, err := crypto.VerifyJWS(sig, publicKeyPEM)
	if err != nil {
		return err
	}
	if !bytes.Equal(signed, payload) {
		return errors.New("signed payload differs from manifest contents")
	}
	return nil
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0600)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}
