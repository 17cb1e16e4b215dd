// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for the mesh protocol.
//
// Envelope signing bytes, AAD binding, and content hashes all flow through
// this package. Two logically equal values must serialize to byte-identical
// output regardless of field insertion order, across every implementation of
// the protocol in any language. Any divergence here breaks signature
// verification mesh-wide.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// Map keys are sorted lexicographically by UTF-8 bytes at every nesting
// level, separators are minimal, and no HTML escaping is applied. Struct
// values are flattened through their json tags first, so tagged structs and
// the equivalent map produce identical bytes.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalString returns the canonical form of v as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical encoding of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
