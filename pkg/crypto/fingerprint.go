package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// FingerprintLen is the fingerprint length in hex characters (16 bytes of
// SHA-256, enough to keep collision probability negligible while staying
// short for storage and logs).
const FingerprintLen = 32

// Fingerprint derives the stable identity fingerprint of a raw public key:
// the first 32 hex characters of SHA-256 over the key bytes. The same key
// always yields the same fingerprint. Used for session binding and cross-AE
// trust assertions without exposing the key itself.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// FingerprintB64 computes the fingerprint of a base64-encoded public key,
// the encoding keys carry inside trust-store records.
func FingerprintB64(pubkeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return "", fmt.Errorf("public key base64 decode: %w", err)
	}
	return Fingerprint(raw), nil
}
