//go:build property
// +build property

package crypto

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDeriveSharedKey_SymmetryProperty exercises the standing correctness
// test of the key-agreement primitive across freshly generated keypairs and
// arbitrary salt/info inputs.
func TestDeriveSharedKey_SymmetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("role-swapped derivation agrees", prop.ForAll(
		func(salt []byte, info []byte) bool {
			aPriv, aPub, err := GenerateKeyAgreementKeypair()
			if err != nil {
				return false
			}
			bPriv, bPub, err := GenerateKeyAgreementKeypair()
			if err != nil {
				return false
			}
			k1, err1 := DeriveSharedKey(aPriv, bPub, salt, info)
			k2, err2 := DeriveSharedKey(bPriv, aPub, salt, info)
			if err1 != nil || err2 != nil {
				return false
			}
			return bytes.Equal(k1, k2)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("aead round trip preserves plaintext", prop.ForAll(
		func(plaintext []byte, aad []byte) bool {
			aPriv, _, _ := GenerateKeyAgreementKeypair()
			_, bPub, _ := GenerateKeyAgreementKeypair()
			key, err := DeriveSharedKey(aPriv, bPub, nil, nil)
			if err != nil {
				return false
			}
			nonce, ct, err := AEADEncrypt(key, plaintext, aad)
			if err != nil {
				return false
			}
			got, err := AEADDecrypt(key, nonce, ct, aad)
			if err != nil {
				return false
			}
			return bytes.Equal(got, plaintext)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
