// Package envelope defines the canonical message container for the mesh.
// Every AE-to-AE or AE-to-ABI message travels inside an Envelope.
//
// Invariants:
//   - MsgID is immutable once set and globally unique; it is the replay-guard
//     key, and a collision is a protocol violation.
//   - The signature never covers itself: signing bytes are the canonical form
//     of the envelope with sig nulled out.
package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

const (
	// SchemaVersion is the current envelope protocol version.
	SchemaVersion = "1.0"

	// DefaultSensitivity is the classification applied when none is given.
	DefaultSensitivity = "UNCLASS"

	// PayloadTypeJSON marks a structured payload.
	PayloadTypeJSON = "json"
	// PayloadTypeBytes marks a base64-encoded opaque payload.
	PayloadTypeBytes = "bytes"
)

// Envelope is the unit of transmission. Field names match the wire format
// exactly; optional fields serialize as JSON null so that the canonical form
// is byte-identical across implementations.
type Envelope struct {
	SchemaVer   string         `json:"schema_ver"`
	MsgID       string         `json:"msg_id"`
	CorrID      *string        `json:"corr_id"`
	TS          string         `json:"ts"`
	Producer    string         `json:"producer"`
	Subject     string         `json:"subject"`
	KeyID       string         `json:"key_id"`
	Sig         *string        `json:"sig"`
	Sensitivity string         `json:"sensitivity"`
	Labels      []string       `json:"labels"`
	PayloadType string         `json:"payload_type"`
	Payload     any            `json:"payload"`
	AAD         map[string]any `json:"aad"`
}

// Clock returns the current time. Injectable for deterministic tests.
type Clock func() time.Time

// IDSource generates message ids. Injectable for deterministic tests.
type IDSource func() string

// NewID returns a fresh message id: a UUIDv4 as 32 lowercase hex characters.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Timestamp formats t as the protocol timestamp: RFC3339, UTC, second
// precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Option customizes envelope construction.
type Option func(*builder)

type builder struct {
	clock       Clock
	idSource    IDSource
	corrID      *string
	sensitivity string
	labels      []string
	aad         map[string]any
}

// WithClock injects a time source.
func WithClock(c Clock) Option {
	return func(b *builder) { b.clock = c }
}

// WithIDSource injects a message id generator.
func WithIDSource(s IDSource) Option {
	return func(b *builder) { b.idSource = s }
}

// WithCorrID links this envelope to a prior request.
func WithCorrID(id string) Option {
	return func(b *builder) { b.corrID = &id }
}

// WithSensitivity overrides the default classification label.
func WithSensitivity(s string) Option {
	return func(b *builder) { b.sensitivity = s }
}

// WithLabels attaches ordered free-form tags.
func WithLabels(labels ...string) Option {
	return func(b *builder) { b.labels = labels }
}

// WithAAD attaches additional-authenticated-data fields. They are bound into
// payload encryption but never encrypted themselves.
func WithAAD(aad map[string]any) Option {
	return func(b *builder) { b.aad = aad }
}

// New builds an unsigned envelope with a structured JSON payload.
func New(producer, subject string, payload any, opts ...Option) *Envelope {
	b := builder{
		clock:       time.Now,
		idSource:    NewID,
		sensitivity: DefaultSensitivity,
		labels:      []string{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.labels == nil {
		b.labels = []string{}
	}
	return &Envelope{
		SchemaVer:   SchemaVersion,
		MsgID:       b.idSource(),
		CorrID:      b.corrID,
		TS:          Timestamp(b.clock()),
		Producer:    producer,
		Subject:     subject,
		Sensitivity: b.sensitivity,
		Labels:      b.labels,
		PayloadType: PayloadTypeJSON,
		Payload:     payload,
		AAD:         b.aad,
	}
}

// NewBytes builds an unsigned envelope carrying an opaque byte payload,
// base64 encoded on the wire.
func NewBytes(producer, subject string, payload []byte, opts ...Option) *Envelope {
	env := New(producer, subject, base64.StdEncoding.EncodeToString(payload), opts...)
	env.PayloadType = PayloadTypeBytes
	return env
}

// PayloadBytes decodes the payload of a bytes-typed envelope.
func (e *Envelope) PayloadBytes() ([]byte, error) {
	if e.PayloadType != PayloadTypeBytes {
		return nil, fmt.Errorf("envelope %s: payload_type is %q, not bytes", e.MsgID, e.PayloadType)
	}
	s, ok := e.Payload.(string)
	if !ok {
		return nil, fmt.Errorf("envelope %s: bytes payload is not a string", e.MsgID)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: payload base64 decode: %w", e.MsgID, err)
	}
	return b, nil
}

// SigningBytes returns the deterministic bytes covered by the signature: the
// canonical form of the full envelope header and payload with sig set to
// null. Covering the full header means an attacker cannot retarget
// schema_ver, sensitivity, or corr_id without invalidating the signature.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Sig = nil
	return canonicalize.Canonical(&unsigned)
}

// Encode serializes the envelope, signature included, to its canonical wire
// form.
func (e *Envelope) Encode() ([]byte, error) {
	return canonicalize.Canonical(e)
}

// Decode parses a wire envelope. It performs structural decoding only; use
// Validator for schema enforcement and the mesh admission pipeline for trust
// decisions.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	if e.Labels == nil {
		e.Labels = []string{}
	}
	return &e, nil
}
