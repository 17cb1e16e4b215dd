// Package trust holds the durable identity, capability, replay, and audit
// state of a mesh node behind one storage-agnostic contract.
//
// Every backend behaves identically from the caller's perspective:
//   - lookups for absent ids return (nil, nil), never an error
//   - upserts are full-record replaces, never partial merges
//   - MarkMsg is an atomic insert-if-absent; concurrent marks of the same id
//     report first=true to exactly one caller
//   - storage I/O failures wrap ErrStorage and are never retried internally
package trust

import (
	"context"
	"errors"
	"time"
)

// Key trust statuses. Revocation is one-way: there is no reinstate
// transition, only a fresh full upsert under a new key.
const (
	StatusTrusted   = "trusted"
	StatusRevoked   = "revoked"
	StatusPending   = "pending"
	StatusUntrusted = "untrusted"
)

// ErrStorage marks storage-layer I/O failures (disk full, connection lost).
// Callers decide retry policy; backends never retry internally.
var ErrStorage = errors.New("trust storage failure")

// KeyRecord is the keyring entry for one identity's signing key.
type KeyRecord struct {
	AEID      string `json:"ae_id"`
	PubkeyB64 string `json:"pubkey_b64"`
	Roles     string `json:"roles"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"` // RFC3339, empty = never expires
	PubKeyFpr string `json:"pub_key_fpr"`
}

// Expired reports whether the key's expiry has passed at the given instant.
// An unparseable expires_at counts as expired: an ambiguous expiry must not
// be treated as valid.
func (r *KeyRecord) Expired(now time.Time) bool {
	if r.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(t)
}

// Capability is one identity's declared participation intent: the subjects
// it wants to publish and subscribe to. Read by the routing layer to
// authorize subject-level pub/sub.
type Capability struct {
	AEID       string         `json:"ae_id"`
	Publishes  []string       `json:"publishes"`
	Subscribes []string       `json:"subscribes"`
	Meta       map[string]any `json:"meta"`
	Status     string         `json:"status"`
	UpdatedAt  string         `json:"updated_at"`
}

// AuditEvent is one appended audit record.
type AuditEvent struct {
	TS        string `json:"ts"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"` // canonically serialized JSON
}

// Store is the storage contract. All operations are idempotent or carry
// explicit upsert semantics; see the package comment for the failure rules
// every backend must honor.
type Store interface {
	// UpsertKey inserts or fully replaces the record keyed by ae_id.
	UpsertKey(ctx context.Context, rec KeyRecord) error
	GetKey(ctx context.Context, aeID string) (*KeyRecord, error)
	FetchByFingerprint(ctx context.Context, fpr string) (*KeyRecord, error)
	FetchByPubkey(ctx context.Context, pubkeyB64 string) (*KeyRecord, error)
	ListKeys(ctx context.Context) ([]KeyRecord, error)

	// RevokeKey sets the key's status to revoked. Revoking an absent or
	// already-revoked key is a no-op, not an error.
	RevokeKey(ctx context.Context, aeID string) error

	UpsertCapability(ctx context.Context, cap Capability) error
	GetCapability(ctx context.Context, aeID string) (*Capability, error)
	ListCapabilities(ctx context.Context) ([]Capability, error)

	// SeenMsg reports whether msg_id has been marked.
	SeenMsg(ctx context.Context, msgID string) (bool, error)
	// MarkMsg records msg_id, returning true only for the call that actually
	// inserted it. Marking an already-marked id is not an error.
	MarkMsg(ctx context.Context, msgID string) (first bool, err error)

	// LogEvent appends an audit record. Callers treat audit as best-effort
	// relative to their primary operation, but failures are still reported
	// here so they can be logged rather than lost silently.
	LogEvent(ctx context.Context, eventType string, payload map[string]any) error
	ListEvents(ctx context.Context, limit int) ([]AuditEvent, error)

	Close() error
}

// EventTimestamp formats the audit timestamp: RFC3339, UTC, second
// precision, the same format envelopes carry.
func EventTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
