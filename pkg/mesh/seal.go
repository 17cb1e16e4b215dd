package mesh

import (
	"errors"
	"fmt"

	"github.com/invictus-insights/aegnix-platform-core/pkg/crypto"
	"github.com/invictus-insights/aegnix-platform-core/pkg/envelope"
)

// ErrNotSealed marks an attempt to unseal an envelope whose payload is not
// in sealed form.
var ErrNotSealed = errors.New("mesh: payload is not sealed")

// Seal replaces the envelope's structured payload with its encrypted form.
// The envelope's aad fields travel in the clear but are bound into the
// ciphertext, so altering them breaks decryption. Sealing happens before
// signing: the signature then covers the ciphertext, never the plaintext.
func Seal(env *envelope.Envelope, key []byte) error {
	if env.Sig != nil {
		return errors.New("mesh: seal must happen before signing")
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return fmt.Errorf("mesh: only structured payloads can be sealed, got %T", env.Payload)
	}
	enc, err := crypto.EncryptPayload(payload, key, env.AAD)
	if err != nil {
		return fmt.Errorf("mesh: seal payload: %w", err)
	}
	env.Payload = map[string]any{
		"nonce":      enc.Nonce,
		"ciphertext": enc.Ciphertext,
	}
	return nil
}

// Sealed reports whether the envelope's payload is in sealed form.
func Sealed(env *envelope.Envelope) bool {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return false
	}
	_, hasNonce := payload["nonce"].(string)
	_, hasCT := payload["ciphertext"].(string)
	return len(payload) == 2 && hasNonce && hasCT
}

// Unseal decrypts a sealed payload in place, restoring the structured
// plaintext. The envelope's aad fields must be byte-identical to those
// present at seal time.
func Unseal(env *envelope.Envelope, key []byte) error {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return ErrNotSealed
	}
	nonce, okN := payload["nonce"].(string)
	ct, okC := payload["ciphertext"].(string)
	if !okN || !okC {
		return ErrNotSealed
	}
	plain, err := crypto.DecryptPayload(&crypto.EncryptedPayload{Nonce: nonce, Ciphertext: ct}, key, env.AAD)
	if err != nil {
		return err
	}
	env.Payload = plain
	return nil
}
