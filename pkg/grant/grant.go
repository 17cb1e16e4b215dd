// Package grant issues and verifies session grants: short-lived EdDSA JWTs
// handed to an AE at registration and presented as a Bearer token on broker
// requests. A grant binds the AE id to the fingerprint of its signing key,
// so possession of the token alone is not enough to impersonate the AE.
package grant

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/invictus-insights/aegnix-platform-core/pkg/crypto"
)

const (
	// Issuer is the iss claim stamped on every grant.
	Issuer = "aegnix/abi"
	// DefaultTTL is used when Issue is called with a zero duration.
	DefaultTTL = time.Hour
)

var (
	ErrExpired   = errors.New("grant: token expired")
	ErrInvalid   = errors.New("grant: token invalid")
	ErrKeyBound  = errors.New("grant: fingerprint does not match presented key")
	ErrNoSubject = errors.New("grant: token carries no AE id")
)

// Claims are the session-grant claims. Subject carries the AE id and Fpr
// the fingerprint of the AE's Ed25519 signing key.
type Claims struct {
	jwt.RegisteredClaims
	Fpr string `json:"fpr"`
}

// Authority issues and verifies grants with a single Ed25519 keypair.
type Authority struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAuthority wraps an existing broker signing key.
func NewAuthority(priv ed25519.PrivateKey) (*Authority, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("grant: bad authority key size %d", len(priv))
	}
	return &Authority{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// GenerateAuthority creates an authority with a fresh keypair.
func GenerateAuthority() (*Authority, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("grant: generate authority key: %w", err)
	}
	return NewAuthority(priv)
}

// PublicKey returns the verification key, for distribution to nodes that
// only verify.
func (a *Authority) PublicKey() ed25519.PublicKey { return a.pub }

// Issue mints a grant for aeID whose signing key has the given raw public
// key. A zero ttl uses DefaultTTL; a negative ttl yields an already-expired
// grant, never a default-lifetime one.
func (a *Authority) Issue(aeID string, aePub ed25519.PublicKey, ttl time.Duration) (string, error) {
	if aeID == "" {
		return "", ErrNoSubject
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   aeID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Fpr: crypto.Fingerprint(aePub),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(a.priv)
	if err != nil {
		return "", fmt.Errorf("grant: sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks grants against the authority's public key. An Authority
// is itself a Verifier.
type Verifier struct {
	pub ed25519.PublicKey
}

func NewVerifier(pub ed25519.PublicKey) *Verifier { return &Verifier{pub: pub} }

func (a *Authority) Verifier() *Verifier { return NewVerifier(a.pub) }

// Verify parses and validates a grant string and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return v.pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// VerifyFor validates a grant and additionally checks that it was issued
// for the given AE and signing key.
func (v *Verifier) VerifyFor(tokenString, aeID string, aePub ed25519.PublicKey) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Subject != aeID {
		return nil, fmt.Errorf("%w: grant is for %q", ErrInvalid, claims.Subject)
	}
	if claims.Fpr != crypto.Fingerprint(aePub) {
		return nil, ErrKeyBound
	}
	return claims, nil
}
