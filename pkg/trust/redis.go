package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

// Redis key layout. Keyring and capabilities are hashes keyed by ae_id,
// the replay guard is one key per msg_id (SETNX gives the atomic
// insert-if-absent), audit is a list.
const (
	redisKeyring      = "aegnix:keyring"
	redisCapabilities = "aegnix:capabilities"
	redisReplayPrefix = "aegnix:replay:"
	redisAudit        = "aegnix:audit"
)

// revokeScript flips a keyring entry to revoked in one server-side step so
// a concurrent upsert cannot interleave with the read-modify-write.
var revokeScript = redis.NewScript(`
local rec = redis.call("HGET", KEYS[1], ARGV[1])
if not rec then
	return 0
end
local decoded = cjson.decode(rec)
decoded["status"] = "revoked"
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(decoded))
return 1
`)

// RedisStore is a shared-state backend for multi-node broker deployments
// where several ABI processes must agree on one keyring and replay guard.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// OpenRedis connects to a Redis instance and verifies it is reachable.
func OpenRedis(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrStorage, err)
	}
	return &RedisStore{client: client, clock: time.Now}, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

func (s *RedisStore) UpsertKey(ctx context.Context, rec KeyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode key %s: %v", ErrStorage, rec.AEID, err)
	}
	if err := s.client.HSet(ctx, redisKeyring, rec.AEID, string(body)).Err(); err != nil {
		return fmt.Errorf("%w: upsert key %s: %v", ErrStorage, rec.AEID, err)
	}
	return nil
}

func (s *RedisStore) GetKey(ctx context.Context, aeID string) (*KeyRecord, error) {
	body, err := s.client.HGet(ctx, redisKeyring, aeID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup: %v", ErrStorage, err)
	}
	var rec KeyRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("%w: key decode: %v", ErrStorage, err)
	}
	return &rec, nil
}

func (s *RedisStore) findKey(ctx context.Context, match func(*KeyRecord) bool) (*KeyRecord, error) {
	all, err := s.client.HGetAll(ctx, redisKeyring).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: keyring scan: %v", ErrStorage, err)
	}
	for _, body := range all {
		var rec KeyRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("%w: key decode: %v", ErrStorage, err)
		}
		if match(&rec) {
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) FetchByFingerprint(ctx context.Context, fpr string) (*KeyRecord, error) {
	return s.findKey(ctx, func(r *KeyRecord) bool { return r.PubKeyFpr == fpr })
}

func (s *RedisStore) FetchByPubkey(ctx context.Context, pubkeyB64 string) (*KeyRecord, error) {
	return s.findKey(ctx, func(r *KeyRecord) bool { return r.PubkeyB64 == pubkeyB64 })
}

func (s *RedisStore) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	all, err := s.client.HGetAll(ctx, redisKeyring).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrStorage, err)
	}
	out := make([]KeyRecord, 0, len(all))
	for _, body := range all {
		var rec KeyRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("%w: key decode: %v", ErrStorage, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) RevokeKey(ctx context.Context, aeID string) error {
	if err := revokeScript.Run(ctx, s.client, []string{redisKeyring}, aeID).Err(); err != nil {
		return fmt.Errorf("%w: revoke key %s: %v", ErrStorage, aeID, err)
	}
	return nil
}

func (s *RedisStore) UpsertCapability(ctx context.Context, cap Capability) error {
	body, err := json.Marshal(cap)
	if err != nil {
		return fmt.Errorf("%w: encode capability %s: %v", ErrStorage, cap.AEID, err)
	}
	if err := s.client.HSet(ctx, redisCapabilities, cap.AEID, string(body)).Err(); err != nil {
		return fmt.Errorf("%w: upsert capability %s: %v", ErrStorage, cap.AEID, err)
	}
	return nil
}

func (s *RedisStore) GetCapability(ctx context.Context, aeID string) (*Capability, error) {
	body, err := s.client.HGet(ctx, redisCapabilities, aeID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: capability lookup: %v", ErrStorage, err)
	}
	var cap Capability
	if err := json.Unmarshal([]byte(body), &cap); err != nil {
		return nil, fmt.Errorf("%w: capability decode: %v", ErrStorage, err)
	}
	return &cap, nil
}

func (s *RedisStore) ListCapabilities(ctx context.Context) ([]Capability, error) {
	all, err := s.client.HGetAll(ctx, redisCapabilities).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list capabilities: %v", ErrStorage, err)
	}
	out := make([]Capability, 0, len(all))
	for _, body := range all {
		var cap Capability
		if err := json.Unmarshal([]byte(body), &cap); err != nil {
			return nil, fmt.Errorf("%w: capability decode: %v", ErrStorage, err)
		}
		out = append(out, cap)
	}
	return out, nil
}

func (s *RedisStore) SeenMsg(ctx context.Context, msgID string) (bool, error) {
	n, err := s.client.Exists(ctx, redisReplayPrefix+msgID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: replay lookup: %v", ErrStorage, err)
	}
	return n == 1, nil
}

func (s *RedisStore) MarkMsg(ctx context.Context, msgID string) (bool, error) {
	first, err := s.client.SetNX(ctx, redisReplayPrefix+msgID, 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: replay mark: %v", ErrStorage, err)
	}
	return first, nil
}

func (s *RedisStore) LogEvent(ctx context.Context, eventType string, payload map[string]any) error {
	body, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return err
	}
	ev, err := json.Marshal(AuditEvent{
		TS:        EventTimestamp(s.clock()),
		EventType: eventType,
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrStorage, err)
	}
	if err := s.client.RPush(ctx, redisAudit, string(ev)).Err(); err != nil {
		return fmt.Errorf("%w: audit append: %v", ErrStorage, err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, redisAudit, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrStorage, err)
	}
	// Newest first.
	out := make([]AuditEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			return nil, fmt.Errorf("%w: event decode: %v", ErrStorage, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}
