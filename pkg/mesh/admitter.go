package mesh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invictus-insights/aegnix-platform-core/pkg/crypto"
	"github.com/invictus-insights/aegnix-platform-core/pkg/envelope"
	"github.com/invictus-insights/aegnix-platform-core/pkg/trust"
)

// Rejection reasons. Each admission failure maps to exactly one of these so
// callers and audit records can distinguish a forged envelope from a replay
// or a stale key.
var (
	ErrMalformed       = errors.New("mesh: malformed envelope")
	ErrVersion         = errors.New("mesh: unsupported schema version")
	ErrUnknownProducer = errors.New("mesh: producer not in keyring")
	ErrKeyRevoked      = errors.New("mesh: producer key revoked")
	ErrKeyExpired      = errors.New("mesh: producer key expired")
	ErrBadSignature    = errors.New("mesh: signature verification failed")
	ErrReplay          = errors.New("mesh: message id already admitted")
)

// Admitter gates inbound envelopes: schema validation, keyring trust
// checks, signature verification, and the atomic replay mark. Exactly one
// Admit call per message id ever succeeds against a given store.
type Admitter struct {
	store     trust.Store
	validator *envelope.Validator
	clock     envelope.Clock

	logger *slog.Logger
	m      *meters
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter)

// WithClock injects the time source used for key-expiry checks.
func WithClock(c envelope.Clock) AdmitterOption {
	return func(a *Admitter) { a.clock = c }
}

// NewAdmitter creates an admitter backed by the given trust store.
func NewAdmitter(store trust.Store, opts ...AdmitterOption) (*Admitter, error) {
	if store == nil {
		return nil, errors.New("mesh: admitter needs a trust store")
	}
	validator, err := envelope.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("mesh: init validator: %w", err)
	}
	m, err := newMeters()
	if err != nil {
		return nil, fmt.Errorf("mesh: init meters: %w", err)
	}
	a := &Admitter{
		store:     store,
		validator: validator,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "mesh.admitter"),
		m:         m,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Admit runs the full admission pipeline on a raw envelope and returns the
// decoded envelope if every check passes. Sealed payloads come back still
// sealed; callers holding the session key use Unseal.
//
// Storage failures abort admission without marking the message, so the
// envelope stays admissible on retry.
func (a *Admitter) Admit(ctx context.Context, raw []byte) (*envelope.Envelope, error) {
	if err := a.validator.Validate(raw); err != nil {
		return a.reject(ctx, nil, "schema", fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return a.reject(ctx, nil, "schema", fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	if err := a.validator.CheckVersion(env.SchemaVer); err != nil {
		return a.reject(ctx, env, "version", fmt.Errorf("%w: %w", ErrVersion, err))
	}

	rec, err := a.store.GetKey(ctx, env.Producer)
	if err != nil {
		return nil, fmt.Errorf("mesh: keyring lookup for %q: %w", env.Producer, err)
	}
	if rec == nil {
		return a.reject(ctx, env, "unknown_producer", ErrUnknownProducer)
	}
	switch rec.Status {
	case trust.StatusTrusted:
	case trust.StatusRevoked:
		return a.reject(ctx, env, "key_revoked", ErrKeyRevoked)
	default:
		return a.reject(ctx, env, "unknown_producer", fmt.Errorf("%w: key status %q", ErrUnknownProducer, rec.Status))
	}
	if rec.Expired(a.clock()) {
		return a.reject(ctx, env, "key_expired", ErrKeyExpired)
	}

	pub, err := base64.StdEncoding.DecodeString(rec.PubkeyB64)
	if err != nil {
		return a.reject(ctx, env, "bad_signature", fmt.Errorf("%w: stored key undecodable", ErrBadSignature))
	}
	if !crypto.VerifyEnvelope(env, pub) {
		return a.reject(ctx, env, "bad_signature", ErrBadSignature)
	}

	first, err := a.store.MarkMsg(ctx, env.MsgID)
	if err != nil {
		return nil, fmt.Errorf("mesh: replay mark for %s: %w", env.MsgID, err)
	}
	if !first {
		return a.reject(ctx, env, "replay", ErrReplay)
	}

	a.m.markAdmitted(ctx, env.Subject)
	a.audit(ctx, "message_admitted", map[string]any{
		"msg_id":   env.MsgID,
		"producer": env.Producer,
		"subject":  env.Subject,
	})
	return env, nil
}

func (a *Admitter) reject(ctx context.Context, env *envelope.Envelope, reason string, err error) (*envelope.Envelope, error) {
	fields := map[string]any{"reason": reason}
	logAttrs := []any{"reason", reason}
	if env != nil {
		fields["msg_id"] = env.MsgID
		fields["producer"] = env.Producer
		fields["subject"] = env.Subject
		logAttrs = append(logAttrs, "msg_id", env.MsgID, "producer", env.Producer)
	}
	a.m.markRejected(ctx, reason)
	a.audit(ctx, "message_rejected", fields)
	a.logger.Warn("envelope rejected", logAttrs...)
	return nil, err
}

// audit appends an event, logging failures instead of letting them fail
// the admission decision.
func (a *Admitter) audit(ctx context.Context, eventType string, payload map[string]any) {
	if err := a.store.LogEvent(ctx, eventType, payload); err != nil {
		a.logger.Error("audit write failed", "event_type", eventType, "error", err)
	}
}
