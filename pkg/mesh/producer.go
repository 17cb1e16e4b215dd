package mesh

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/invictus-insights/aegnix-platform-core/pkg/crypto"
	"github.com/invictus-insights/aegnix-platform-core/pkg/envelope"
	"github.com/invictus-insights/aegnix-platform-core/pkg/transport"
)

// Producer builds, signs, and publishes envelopes for one AE identity.
// The subject doubles as the transport topic.
type Producer struct {
	aeID  string
	keyID string
	priv  []byte
	bus   transport.Transport

	logger *slog.Logger
	m      *meters
}

// NewProducer creates a producer for the identity owning priv, publishing
// through bus.
func NewProducer(aeID, keyID string, priv []byte, bus transport.Transport) (*Producer, error) {
	if aeID == "" || keyID == "" {
		return nil, errors.New("mesh: producer needs an ae_id and key_id")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mesh: bad signing key size %d", len(priv))
	}
	if bus == nil {
		return nil, errors.New("mesh: producer needs a transport")
	}
	m, err := newMeters()
	if err != nil {
		return nil, fmt.Errorf("mesh: init meters: %w", err)
	}
	return &Producer{
		aeID:   aeID,
		keyID:  keyID,
		priv:   priv,
		bus:    bus,
		logger: slog.Default().With("component", "mesh.producer", "ae_id", aeID),
		m:      m,
	}, nil
}

// Emit builds a signed envelope around payload and publishes it on subject.
// The signed envelope is returned so callers can correlate or log it.
func (p *Producer) Emit(ctx context.Context, subject string, payload map[string]any, opts ...envelope.Option) (*envelope.Envelope, error) {
	env := envelope.New(p.aeID, subject, payload, opts...)
	return p.send(ctx, env)
}

// EmitSealed is Emit with the payload encrypted under key before signing.
// When no aad option was given the subject is bound in as associated data,
// so a sealed envelope replayed on a different subject fails to decrypt.
func (p *Producer) EmitSealed(ctx context.Context, subject string, payload map[string]any, key []byte, opts ...envelope.Option) (*envelope.Envelope, error) {
	env := envelope.New(p.aeID, subject, payload, opts...)
	if env.AAD == nil {
		env.AAD = map[string]any{"subject": subject}
	}
	if err := Seal(env, key); err != nil {
		return nil, err
	}
	return p.send(ctx, env)
}

func (p *Producer) send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if err := crypto.SignEnvelope(env, p.priv, p.keyID); err != nil {
		return nil, fmt.Errorf("mesh: sign: %w", err)
	}
	raw, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("mesh: encode: %w", err)
	}
	if err := p.bus.Publish(ctx, env.Subject, raw, nil); err != nil {
		p.logger.Warn("publish failed", "subject", env.Subject, "msg_id", env.MsgID, "error", err)
		return nil, err
	}
	p.m.markPublished(ctx, env.Subject)
	p.logger.Debug("published", "subject", env.Subject, "msg_id", env.MsgID)
	return env, nil
}
