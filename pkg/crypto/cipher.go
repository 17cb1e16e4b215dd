package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

// ProtocolInfo is the default HKDF info string. Binding it into key
// derivation means keys derived under one protocol version can never be
// confused with another's.
const ProtocolInfo = "aegnix-v1"

// NonceSize is the AES-GCM nonce length in bytes.
const NonceSize = 12

// ErrAuthentication is returned when AEAD decryption fails its integrity
// check: wrong key, tampered ciphertext, or mismatched associated data.
// Plaintext is never returned alongside it.
var ErrAuthentication = errors.New("aead authentication failure")

// GenerateKeyAgreementKeypair creates a fresh X25519 keypair as raw 32-byte
// private and public keys.
func GenerateKeyAgreementKeypair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("x25519 key generation failed: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("x25519 public key derivation failed: %w", err)
	}
	return priv, pub, nil
}

// DeriveSharedKey performs X25519 ECDH between myPriv and theirPub, then
// expands the shared secret through HKDF-SHA256 into a 256-bit AEAD key.
// The derivation is symmetric: A's private with B's public yields the same
// key as B's private with A's public. A nil info defaults to ProtocolInfo.
func DeriveSharedKey(myPriv, theirPub, salt, info []byte) ([]byte, error) {
	shared, err := curve25519.X25519(myPriv, theirPub)
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange failed: %w", err)
	}
	if info == nil {
		info = []byte(ProtocolInfo)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return key, nil
}

// AEADEncrypt seals plaintext under a 256-bit key with AES-GCM and a fresh
// random 96-bit nonce. Nonce reuse under one key breaks confidentiality, so
// the nonce is never deterministic and never caller-supplied.
func AEADEncrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADDecrypt opens ciphertext. It returns ErrAuthentication when the tag or
// associated data does not match; partial plaintext is never exposed.
func AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrAuthentication, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aead key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}
	return aead, nil
}

// EncryptedPayload is the wire form of a sealed payload.
type EncryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptPayload canonically serializes a structured payload and seals it.
// When aadFields are present they are canonically serialized too and bound
// in as associated data, so tampering with them is detectable at decrypt
// time even though they travel in the clear.
func EncryptPayload(payload map[string]any, key []byte, aadFields map[string]any) (*EncryptedPayload, error) {
	plaintext, err := canonicalize.Canonical(payload)
	if err != nil {
		return nil, err
	}
	aad, err := canonicalAAD(aadFields)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// DecryptPayload opens a sealed payload with the same AAD binding rules as
// EncryptPayload.
func DecryptPayload(enc *EncryptedPayload, key []byte, aadFields map[string]any) (map[string]any, error) {
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce decode: %v", ErrAuthentication, err)
	}
	ct, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext decode: %v", ErrAuthentication, err)
	}
	aad, err := canonicalAAD(aadFields)
	if err != nil {
		return nil, err
	}
	plaintext, err := AEADDecrypt(key, nonce, ct, aad)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decrypted payload is not valid JSON: %w", err)
	}
	return payload, nil
}

func canonicalAAD(aadFields map[string]any) ([]byte, error) {
	if aadFields == nil {
		return nil, nil
	}
	aad, err := canonicalize.Canonical(aadFields)
	if err != nil {
		return nil, fmt.Errorf("aad canonicalization failed: %w", err)
	}
	return aad, nil
}
