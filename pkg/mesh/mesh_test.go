package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invictus-insights/aegnix-platform-core/pkg/crypto"
	"github.com/invictus-insights/aegnix-platform-core/pkg/envelope"
	"github.com/invictus-insights/aegnix-platform-core/pkg/transport"
	"github.com/invictus-insights/aegnix-platform-core/pkg/trust"
)

const (
	testAE      = "fusion-ae"
	testKeyID   = "fusion-ed25519-1"
	testSubject = "fused.track"
)

type fixture struct {
	store trust.Store
	priv  []byte
	pub   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, pub, err := crypto.GenerateSigningKeypair()
	require.NoError(t, err)

	store := trust.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.UpsertKey(context.Background(), trust.KeyRecord{
		AEID:      testAE,
		PubkeyB64: base64.StdEncoding.EncodeToString(pub),
		Roles:     "producer",
		Status:    trust.StatusTrusted,
		PubKeyFpr: crypto.Fingerprint(pub),
	}))
	return &fixture{store: store, priv: priv, pub: pub}
}

// signedRaw builds, signs, and encodes an envelope without going through a
// transport.
func (f *fixture) signedRaw(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	env := envelope.New(testAE, testSubject, payload)
	require.NoError(t, crypto.SignEnvelope(env, f.priv, testKeyID))
	raw, err := env.Encode()
	require.NoError(t, err)
	return raw
}

func TestAdmitHappyPath(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"track_id": "T-17", "lat": 51.5})
	env, err := adm.Admit(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, testAE, env.Producer)
	assert.Equal(t, testSubject, env.Subject)
	payload, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "T-17", payload["track_id"])

	events, err := f.store.ListEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_admitted", events[0].EventType)
	assert.Contains(t, events[0].Payload, env.MsgID)
}

func TestAdmitReplay(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"n": 1})
	_, err = adm.Admit(context.Background(), raw)
	require.NoError(t, err)

	_, err = adm.Admit(context.Background(), raw)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestAdmitTamperedPayload(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"speed": 400})

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["payload"] = map[string]any{"speed": 9000}
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = adm.Admit(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAdmitTamperedHeader(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"n": 1})

	// Retargeting sensitivity must invalidate the signature even though the
	// payload is untouched.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["sensitivity"] = "SECRET"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = adm.Admit(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAdmitUnknownProducer(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	env := envelope.New("ghost-ae", testSubject, map[string]any{"n": 1})
	require.NoError(t, crypto.SignEnvelope(env, f.priv, testKeyID))
	raw, err := env.Encode()
	require.NoError(t, err)

	_, err = adm.Admit(context.Background(), raw)
	assert.ErrorIs(t, err, ErrUnknownProducer)
}

func TestAdmitRevokedKey(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"n": 1})
	require.NoError(t, f.store.RevokeKey(context.Background(), testAE))

	_, err = adm.Admit(context.Background(), raw)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	events, err := f.store.ListEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_rejected", events[0].EventType)
	assert.Contains(t, events[0].Payload, "key_revoked")
}

func TestAdmitExpiredKey(t *testing.T) {
	f := newFixture(t)

	rec, err := f.store.GetKey(context.Background(), testAE)
	require.NoError(t, err)
	rec.ExpiresAt = "2030-01-01T00:00:00Z"
	require.NoError(t, f.store.UpsertKey(context.Background(), *rec))

	adm, err := NewAdmitter(f.store, WithClock(func() time.Time {
		return time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"n": 1})
	_, err = adm.Admit(context.Background(), raw)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestAdmitMalformed(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	for _, raw := range [][]byte{
		[]byte("not json"),
		[]byte(`{"schema_ver":"1.0"}`),
		[]byte(`[]`),
	} {
		_, err := adm.Admit(context.Background(), raw)
		assert.ErrorIs(t, err, ErrMalformed, "raw %q", raw)
	}
}

func TestAdmitUnsupportedVersion(t *testing.T) {
	f := newFixture(t)
	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	raw := f.signedRaw(t, map[string]any{"n": 1})
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["schema_ver"] = "2.0"
	bumped, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = adm.Admit(context.Background(), bumped)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestProducerToAdmitterPipeline(t *testing.T) {
	f := newFixture(t)
	bus := transport.NewLocal()
	defer func() { _ = bus.Close() }()

	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)

	admitted := make(chan *envelope.Envelope, 1)
	rejected := make(chan error, 1)
	sub, err := bus.Subscribe(context.Background(), []string{testSubject}, func(ctx context.Context, msg *transport.Message) {
		env, err := adm.Admit(ctx, msg.Payload)
		if err != nil {
			rejected <- err
			msg.Nack(false)
			return
		}
		msg.Ack()
		admitted <- env
	}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	prod, err := NewProducer(testAE, testKeyID, f.priv, bus)
	require.NoError(t, err)

	sent, err := prod.Emit(context.Background(), testSubject, map[string]any{"track_id": "T-9"})
	require.NoError(t, err)
	require.NotNil(t, sent.Sig)

	select {
	case env := <-admitted:
		assert.Equal(t, sent.MsgID, env.MsgID)
	case err := <-rejected:
		t.Fatalf("envelope rejected: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestSealedEndToEnd(t *testing.T) {
	f := newFixture(t)
	bus := transport.NewLocal()
	defer func() { _ = bus.Close() }()

	adm, err := NewAdmitter(f.store)
	require.NoError(t, err)
	prod, err := NewProducer(testAE, testKeyID, f.priv, bus)
	require.NoError(t, err)

	// Two AEs agree on a session key over X25519.
	aPriv, aPub, err := crypto.GenerateKeyAgreementKeypair()
	require.NoError(t, err)
	bPriv, bPub, err := crypto.GenerateKeyAgreementKeypair()
	require.NoError(t, err)
	sendKey, err := crypto.DeriveSharedKey(aPriv, bPub, nil, nil)
	require.NoError(t, err)
	recvKey, err := crypto.DeriveSharedKey(bPriv, aPub, nil, nil)
	require.NoError(t, err)
	require.Equal(t, sendKey, recvKey)

	raws := make(chan []byte, 1)
	sub, err := bus.Subscribe(context.Background(), []string{"t"}, func(_ context.Context, msg *transport.Message) {
		raws <- msg.Payload
	}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	secret := map[string]any{"callsign": "RAPTOR-1"}
	_, err = prod.EmitSealed(context.Background(), "t", secret, sendKey)
	require.NoError(t, err)

	var raw []byte
	select {
	case raw = <-raws:
	case <-time.After(5 * time.Second):
		t.Fatal("sealed envelope never delivered")
	}

	env, err := adm.Admit(context.Background(), raw)
	require.NoError(t, err)
	require.True(t, Sealed(env))
	assert.Equal(t, map[string]any{"subject": "t"}, env.AAD)

	require.NoError(t, Unseal(env, recvKey))
	assert.Equal(t, secret, env.Payload)
}

func TestSealedAADTamperFailsDecrypt(t *testing.T) {
	aPriv, _, err := crypto.GenerateKeyAgreementKeypair()
	require.NoError(t, err)
	_, bPub, err := crypto.GenerateKeyAgreementKeypair()
	require.NoError(t, err)
	key, err := crypto.DeriveSharedKey(aPriv, bPub, nil, nil)
	require.NoError(t, err)

	env := envelope.New(testAE, "t", map[string]any{"x": 1}, envelope.WithAAD(map[string]any{"subject": "t"}))
	require.NoError(t, Seal(env, key))

	// Redirecting the cleartext aad to another subject must break the AEAD
	// authentication even with the right key.
	env.AAD = map[string]any{"subject": "x"}
	err = Unseal(env, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestSealValidation(t *testing.T) {
	key := make([]byte, 32)

	env := envelope.NewBytes(testAE, "t", []byte("opaque"))
	assert.Error(t, Seal(env, key), "bytes payloads cannot be sealed")

	plain := envelope.New(testAE, "t", map[string]any{"x": 1})
	assert.False(t, Sealed(plain))
	assert.ErrorIs(t, Unseal(plain, key), ErrNotSealed)
}

func TestNewProducerValidation(t *testing.T) {
	bus := transport.NewLocal()
	defer func() { _ = bus.Close() }()
	priv, _, err := crypto.GenerateSigningKeypair()
	require.NoError(t, err)

	_, err = NewProducer("", testKeyID, priv, bus)
	assert.Error(t, err)
	_, err = NewProducer(testAE, "", priv, bus)
	assert.Error(t, err)
	_, err = NewProducer(testAE, testKeyID, []byte("short"), bus)
	assert.Error(t, err)
	_, err = NewProducer(testAE, testKeyID, priv, nil)
	assert.Error(t, err)

	_, err = NewAdmitter(nil)
	assert.Error(t, err)
}
