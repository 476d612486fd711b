// Package integrity computes and checks the integrity of checkpoint records.
//
// Hashes are taken over the RFC 8785 canonical JSON form of a document, so two records
// that differ only in key order or whitespace hash identically. Nothing time-dependent
// is injected while hashing: the same record always yields the same hash.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"sessionvault/internal/models"
)

// Canonicalize returns the RFC 8785 canonical JSON encoding of doc.
func Canonicalize(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}
	return canonical, nil
}

// Hash returns the sha256 hex digest of doc's canonical JSON form.
func Hash(doc any) (string, error) {
	canonical, err := Canonicalize(doc)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the sha256 hex digest of raw bytes. File snapshots use it for
// content addressing.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether doc hashes to expected.
func Verify(doc any, expected string) bool {
	if expected == "" {
		return false
	}
	got, err := Hash(doc)
	return err == nil && got == expected
}

// CheckpointHash computes the integrity hash of cp with its integrity_hash field blanked.
func CheckpointHash(cp *models.Checkpoint) (string, error) {
	unsealed := *cp
	unsealed.IntegrityHash = ""
	return Hash(&unsealed)
}

// Seal stores the integrity hash on cp.
func Seal(cp *models.Checkpoint) error {
	sum, err := CheckpointHash(cp)
	if err != nil {
		return fmt.Errorf("seal checkpoint %s: %w", cp.ID, err)
	}
	cp.IntegrityHash = sum
	return nil
}
