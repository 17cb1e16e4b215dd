// Package crypto implements the mesh cryptographic primitives: Ed25519
// identity signatures, X25519 key agreement with HKDF expansion, AES-GCM
// payload sealing, and public-key fingerprinting.
//
// Keys cross package boundaries as raw bytes (no PEM or other container
// format); base64 is the wire encoding for signatures and ciphertext.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/invictus-insights/aegnix-platform-core/pkg/envelope"
)

// GenerateSigningKeypair creates a fresh Ed25519 keypair, returned as raw
// private and public key bytes.
func GenerateSigningKeypair() (priv, pub []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return privKey, pubKey, nil
}

// Sign signs message with a raw Ed25519 private key.
func Sign(priv, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
}

// Verify reports whether sig is a valid signature of message under the raw
// public key. It never returns an error: a malformed key or signature is
// simply an invalid signature, so callers always get a definite trust
// decision.
func Verify(pub, sig, message []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// SignEnvelope stamps key_id on the envelope, signs its canonical signing
// bytes, and stores the base64 signature in sig.
func SignEnvelope(env *envelope.Envelope, priv []byte, keyID string) error {
	env.KeyID = keyID
	msg, err := env.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := Sign(priv, msg)
	if err != nil {
		return fmt.Errorf("sign envelope %s: %w", env.MsgID, err)
	}
	encoded := base64.StdEncoding.EncodeToString(sig)
	env.Sig = &encoded
	return nil
}

// VerifyEnvelope recomputes the envelope's signing bytes and checks the
// stored signature against the raw public key. An unsigned envelope verifies
// false.
func VerifyEnvelope(env *envelope.Envelope, pub []byte) bool {
	if env.Sig == nil || *env.Sig == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(*env.Sig)
	if err != nil {
		return false
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return false
	}
	return Verify(pub, sig, msg)
}
