package trust

import (
	"context"
	"sync"
	"time"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

// MemoryStore is the in-memory backend, for tests and ephemeral nodes. Safe
// for concurrent use; the replay guard's mark is an atomic check-and-set
// under the store lock.
type MemoryStore struct {
	mu           sync.RWMutex
	keys         map[string]KeyRecord
	capabilities map[string]Capability
	replay       map[string]struct{}
	audit        []AuditEvent
	clock        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:         make(map[string]KeyRecord),
		capabilities: make(map[string]Capability),
		replay:       make(map[string]struct{}),
		clock:        time.Now,
	}
}

func (s *MemoryStore) UpsertKey(_ context.Context, rec KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.AEID] = rec
	return nil
}

func (s *MemoryStore) GetKey(_ context.Context, aeID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.keys[aeID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *MemoryStore) FetchByFingerprint(_ context.Context, fpr string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.keys {
		if rec.PubKeyFpr == fpr {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FetchByPubkey(_ context.Context, pubkeyB64 string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.keys {
		if rec.PubkeyB64 == pubkeyB64 {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) RevokeKey(_ context.Context, aeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.keys[aeID]; ok {
		rec.Status = StatusRevoked
		s.keys[aeID] = rec
	}
	return nil
}

func (s *MemoryStore) UpsertCapability(_ context.Context, cap Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[cap.AEID] = cap
	return nil
}

func (s *MemoryStore) GetCapability(_ context.Context, aeID string) (*Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cap, ok := s.capabilities[aeID]; ok {
		c := cap
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListCapabilities(_ context.Context) ([]Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Capability, 0, len(s.capabilities))
	for _, cap := range s.capabilities {
		out = append(out, cap)
	}
	return out, nil
}

func (s *MemoryStore) SeenMsg(_ context.Context, msgID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, seen := s.replay[msgID]
	return seen, nil
}

func (s *MemoryStore) MarkMsg(_ context.Context, msgID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.replay[msgID]; seen {
		return false, nil
	}
	s.replay[msgID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) LogEvent(_ context.Context, eventType string, payload map[string]any) error {
	body, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEvent{
		TS:        EventTimestamp(s.clock()),
		EventType: eventType,
		Payload:   body,
	})
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first, matching the durable backends' ordering.
	out := make([]AuditEvent, 0, n)
	for i := len(s.audit) - 1; i >= len(s.audit)-n; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
