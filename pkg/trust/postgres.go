package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

// PostgresStore is a durable backend for deployments that already run
// Postgres. Same schema shape as the SQLite backend; replay-mark atomicity
// comes from INSERT ... ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS keyring(
		ae_id TEXT PRIMARY KEY,
		pubkey_b64 TEXT NOT NULL,
		roles TEXT,
		status TEXT,
		expires_at TEXT,
		pub_key_fpr TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit(
		id BIGSERIAL,
		ts TEXT,
		event_type TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS replay_guard(
		msg_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS ae_capabilities(
		ae_id TEXT PRIMARY KEY,
		publishes TEXT NOT NULL,
		subscribes TEXT NOT NULL,
		meta TEXT,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// OpenPostgres connects with a lib/pq DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrStorage, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", ErrStorage, err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and migrates the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, ddl := range postgresSchema {
		if _, err := s.db.ExecContext(context.Background(), ddl); err != nil {
			return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
		}
	}
	return s, nil
}

func (s *PostgresStore) UpsertKey(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keyring(ae_id,pubkey_b64,roles,status,expires_at,pub_key_fpr) VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(ae_id) DO UPDATE SET pubkey_b64=excluded.pubkey_b64, roles=excluded.roles,
		 status=excluded.status, expires_at=excluded.expires_at, pub_key_fpr=excluded.pub_key_fpr`,
		rec.AEID, rec.PubkeyB64, rec.Roles, rec.Status, rec.ExpiresAt, rec.PubKeyFpr)
	if err != nil {
		return fmt.Errorf("%w: upsert key %s: %v", ErrStorage, rec.AEID, err)
	}
	return nil
}

func (s *PostgresStore) getKeyWhere(ctx context.Context, where string, arg any) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+keyColumns+" FROM keyring WHERE "+where, arg)
	var rec KeyRecord
	err := row.Scan(&rec.AEID, &rec.PubkeyB64, &rec.Roles, &rec.Status, &rec.ExpiresAt, &rec.PubKeyFpr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup: %v", ErrStorage, err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetKey(ctx context.Context, aeID string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "ae_id=$1", aeID)
}

func (s *PostgresStore) FetchByFingerprint(ctx context.Context, fpr string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "pub_key_fpr=$1", fpr)
}

func (s *PostgresStore) FetchByPubkey(ctx context.Context, pubkeyB64 string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "pubkey_b64=$1", pubkeyB64)
}

func (s *PostgresStore) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+keyColumns+" FROM keyring")
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		if err := rows.Scan(&rec.AEID, &rec.PubkeyB64, &rec.Roles, &rec.Status, &rec.ExpiresAt, &rec.PubKeyFpr); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *PostgresStore) RevokeKey(ctx context.Context, aeID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE keyring SET status=$1 WHERE ae_id=$2", StatusRevoked, aeID)
	if err != nil {
		return fmt.Errorf("%w: revoke key %s: %v", ErrStorage, aeID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertCapability(ctx context.Context, cap Capability) error {
	publishes, _ := json.Marshal(cap.Publishes)
	subscribes, _ := json.Marshal(cap.Subscribes)
	meta, _ := json.Marshal(cap.Meta)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ae_capabilities(ae_id,publishes,subscribes,meta,status,updated_at) VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(ae_id) DO UPDATE SET publishes=excluded.publishes, subscribes=excluded.subscribes,
		 meta=excluded.meta, status=excluded.status, updated_at=excluded.updated_at`,
		cap.AEID, string(publishes), string(subscribes), string(meta), cap.Status, cap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert capability %s: %v", ErrStorage, cap.AEID, err)
	}
	return nil
}

func (s *PostgresStore) GetCapability(ctx context.Context, aeID string) (*Capability, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT ae_id,publishes,subscribes,meta,status,updated_at FROM ae_capabilities WHERE ae_id=$1", aeID)
	var cap Capability
	var publishes, subscribes, meta string
	err := row.Scan(&cap.AEID, &publishes, &subscribes, &meta, &cap.Status, &cap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: capability lookup: %v", ErrStorage, err)
	}
	if err := scanCapability(publishes, subscribes, meta, &cap); err != nil {
		return nil, fmt.Errorf("%w: capability decode: %v", ErrStorage, err)
	}
	return &cap, nil
}

func (s *PostgresStore) ListCapabilities(ctx context.Context) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ae_id,publishes,subscribes,meta,status,updated_at FROM ae_capabilities")
	if err != nil {
		return nil, fmt.Errorf("%w: list capabilities: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Capability
	for rows.Next() {
		var cap Capability
		var publishes, subscribes, meta string
		if err := rows.Scan(&cap.AEID, &publishes, &subscribes, &meta, &cap.Status, &cap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan capability: %v", ErrStorage, err)
		}
		if err := scanCapability(publishes, subscribes, meta, &cap); err != nil {
			return nil, fmt.Errorf("%w: capability decode: %v", ErrStorage, err)
		}
		out = append(out, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list capabilities: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *PostgresStore) SeenMsg(ctx context.Context, msgID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM replay_guard WHERE msg_id=$1", msgID)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: replay lookup: %v", ErrStorage, err)
	}
	return true, nil
}

func (s *PostgresStore) MarkMsg(ctx context.Context, msgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO replay_guard(msg_id) VALUES($1) ON CONFLICT(msg_id) DO NOTHING", msgID)
	if err != nil {
		return false, fmt.Errorf("%w: replay mark: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: replay mark result: %v", ErrStorage, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) LogEvent(ctx context.Context, eventType string, payload map[string]any) error {
	body, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO audit(ts,event_type,payload) VALUES($1,$2,$3)",
		EventTimestamp(s.clock()), eventType, body)
	if err != nil {
		return fmt.Errorf("%w: audit append: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts,event_type,payload FROM audit ORDER BY id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.TS, &ev.EventType, &ev.Payload); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrStorage, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}
