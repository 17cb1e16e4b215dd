package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/invictus-insights/aegnix-platform-core/pkg/canonicalize"
)

// SQLiteStore is the durable backend. All writes go through one database
// handle; SQLite serializes them, which makes MarkMsg's insert-if-absent
// atomic without extra locking.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS keyring(
		ae_id TEXT PRIMARY KEY,
		pubkey_b64 TEXT NOT NULL,
		roles TEXT,
		status TEXT,
		expires_at TEXT,
		pub_key_fpr TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit(
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

// OpenSQLite opens (creating if necessary) the database file at path and
// migrates the schema. Parent directories are created as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create db directory: %v", ErrStorage, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", ErrStorage, path, err)
	}
	// A single connection keeps writes serialized and avoids SQLITE_BUSY
	// under concurrent listener contexts.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, ddl := range sqliteSchema {
		if _, err := s.db.ExecContext(context.Background(), ddl); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertKey(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keyring(ae_id,pubkey_b64,roles,status,expires_at,pub_key_fpr) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(ae_id) DO UPDATE SET pubkey_b64=excluded.pubkey_b64, roles=excluded.roles,
		 status=excluded.status, expires_at=excluded.expires_at, pub_key_fpr=excluded.pub_key_fpr`,
		rec.AEID, rec.PubkeyB64, rec.Roles, rec.Status, rec.ExpiresAt, rec.PubKeyFpr)
	if err != nil {
		return fmt.Errorf("%w: upsert key %s: %v", ErrStorage, rec.AEID, err)
	}
	return nil
}

const keyColumns = "ae_id,pubkey_b64,roles,status,expires_at,pub_key_fpr"

func (s *SQLiteStore) getKeyWhere(ctx context.Context, where string, arg any) (*KeyRecord, error) {
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

func (s *SQLiteStore) GetKey(ctx context.Context, aeID string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "ae_id=?", aeID)
}

func (s *SQLiteStore) FetchByFingerprint(ctx context.Context, fpr string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "pub_key_fpr=?", fpr)
}

func (s *SQLiteStore) FetchByPubkey(ctx context.Context, pubkeyB64 string) (*KeyRecord, error) {
	return s.getKeyWhere(ctx, "pubkey_b64=?", pubkeyB64)
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]KeyRecord, error) {
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

func (s *SQLiteStore) RevokeKey(ctx context.Context, aeID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE keyring SET status=? WHERE ae_id=?", StatusRevoked, aeID)
	if err != nil {
		return fmt.Errorf("%w: revoke key %s: %v", ErrStorage, aeID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCapability(ctx context.Context, cap Capability) error {
	publishes, _ := json.Marshal(cap.Publishes)
	subscribes, _ := json.Marshal(cap.Subscribes)
	meta, _ := json.Marshal(cap.Meta)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ae_capabilities(ae_id,publishes,subscribes,meta,status,updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(ae_id) DO UPDATE SET publishes=excluded.publishes, subscribes=excluded.subscribes,
		 meta=excluded.meta, status=excluded.status, updated_at=excluded.updated_at`,
		cap.AEID, string(publishes), string(subscribes), string(meta), cap.Status, cap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert capability %s: %v", ErrStorage, cap.AEID, err)
	}
	return nil
}

func scanCapability(publishes, subscribes, meta string, cap *Capability) error {
	if err := json.Unmarshal([]byte(publishes), &cap.Publishes); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(subscribes), &cap.Subscribes); err != nil {
		return err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &cap.Meta); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetCapability(ctx context.Context, aeID string) (*Capability, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT ae_id,publishes,subscribes,meta,status,updated_at FROM ae_capabilities WHERE ae_id=?", aeID)
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

func (s *SQLiteStore) ListCapabilities(ctx context.Context) ([]Capability, error) {
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

func (s *SQLiteStore) SeenMsg(ctx context.Context, msgID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM replay_guard WHERE msg_id=?", msgID)
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

func (s *SQLiteStore) MarkMsg(ctx context.Context, msgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO replay_guard(msg_id) VALUES(?)", msgID)
	if err != nil {
		return false, fmt.Errorf("%w: replay mark: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: replay mark result: %v", ErrStorage, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) LogEvent(ctx context.Context, eventType string, payload map[string]any) error {
	body, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO audit(ts,event_type,payload) VALUES(?,?,?)",
		EventTimestamp(s.clock()), eventType, body)
	if err != nil {
		return fmt.Errorf("%w: audit append: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts,event_type,payload FROM audit ORDER BY rowid DESC LIMIT ?", limit)
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

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}
