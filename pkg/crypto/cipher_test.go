package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestDeriveSharedKey_Symmetry(t *testing.T) {
	aPriv, aPub, err := GenerateKeyAgreementKeypair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	bPriv, bPub, err := GenerateKeyAgreementKeypair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	k1, err := DeriveSharedKey(aPriv, bPub, nil, nil)
	if err != nil {
		t.Fatalf("DeriveSharedKey failed: %v", err)
	}
	k2, err := DeriveSharedKey(bPriv, aPub, nil, nil)
	if err != nil {
		t.Fatalf("DeriveSharedKey failed: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Error("role-swapped derivation produced different keys")
	}
	if len(k1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k1))
	}
}

func TestDeriveSharedKey_InfoSeparatesKeys(t *testing.T) {
	aPriv, _, _ := GenerateKeyAgreementKeypair()
	_, bPub, _ := GenerateKeyAgreementKeypair()

	k1, _ := DeriveSharedKey(aPriv, bPub, nil, nil)
	k2, _ := DeriveSharedKey(aPriv, bPub, nil, []byte("aegnix-v2"))
	if bytes.Equal(k1, k2) {
		t.Error("different info strings yielded the same key")
	}
}

func TestAEAD_RoundTrip(t *testing.T) {
	aPriv, _, _ := GenerateKeyAgreementKeypair()
	_, bPub, _ := GenerateKeyAgreementKeypair()
	key, _ := DeriveSharedKey(aPriv, bPub, nil, nil)

	plaintext := []byte(`{"msg":"hi"}`)
	aad := []byte(`{"subject":"t"}`)

	nonce, ct, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("AEADEncrypt failed: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Errorf("expected %d-byte nonce, got %d", NonceSize, len(nonce))
	}

	got, err := AEADDecrypt(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("AEADDecrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip altered plaintext")
	}
}

func TestAEAD_FreshNoncePerCall(t *testing.T) {
	key := make([]byte, 32)
	n1, _, _ := AEADEncrypt(key, []byte("m"), nil)
	n2, _, _ := AEADEncrypt(key, []byte("m"), nil)
	if bytes.Equal(n1, n2) {
		t.Error("nonce repeated across calls")
	}
}

func TestAEAD_AuthenticationFailures(t *testing.T) {
	key := make([]byte, 32)
	nonce, ct, _ := AEADEncrypt(key, []byte("secret"), []byte("aad"))

	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	if _, err := AEADDecrypt(wrongKey, nonce, ct, []byte("aad")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("wrong key: expected ErrAuthentication, got %v", err)
	}

	if _, err := AEADDecrypt(key, nonce, ct, []byte("other")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("wrong aad: expected ErrAuthentication, got %v", err)
	}

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xff
	if _, err := AEADDecrypt(key, nonce, tampered, []byte("aad")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("tampered ciphertext: expected ErrAuthentication, got %v", err)
	}

	if _, err := AEADDecrypt(key, []byte("shortnonce"), ct, []byte("aad")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("bad nonce: expected ErrAuthentication, got %v", err)
	}
}

func TestAEAD_BadKeySize(t *testing.T) {
	if _, _, err := AEADEncrypt([]byte("short"), []byte("m"), nil); err == nil {
		t.Error("expected error for short key")
	}
}

func TestEncryptDecryptPayload(t *testing.T) {
	aPriv, aPub, _ := GenerateKeyAgreementKeypair()
	bPriv, bPub, _ := GenerateKeyAgreementKeypair()
	senderKey, _ := DeriveSharedKey(aPriv, bPub, nil, nil)
	receiverKey, _ := DeriveSharedKey(bPriv, aPub, nil, nil)

	payload := map[string]any{"msg": "hi"}
	aad := map[string]any{"subject": "t"}

	enc, err := EncryptPayload(payload, senderKey, aad)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}

	dec, err := DecryptPayload(enc, receiverKey, aad)
	if err != nil {
		t.Fatalf("DecryptPayload failed: %v", err)
	}
	if dec["msg"] != "hi" {
		t.Errorf("payload mangled: %v", dec)
	}

	// A retargeted AAD must fail authentication, not decrypt quietly.
	if _, err := DecryptPayload(enc, receiverKey, map[string]any{"subject": "x"}); !errors.Is(err, ErrAuthentication) {
		t.Errorf("mismatched aad: expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptPayload_MalformedWireFields(t *testing.T) {
	key := make([]byte, 32)
	for name, enc := range map[string]*EncryptedPayload{
		"bad nonce b64":      {Nonce: "!!!", Ciphertext: encodeB64([]byte("ct"))},
		"bad ciphertext b64": {Nonce: encodeB64(make([]byte, NonceSize)), Ciphertext: "!!!"},
	} {
		if _, err := DecryptPayload(enc, key, nil); !errors.Is(err, ErrAuthentication) {
			t.Errorf("%s: expected ErrAuthentication, got %v", name, err)
		}
	}
}
