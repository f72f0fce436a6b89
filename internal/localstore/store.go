package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	StatusLocal   = "local"
	StatusSynced  = "synced"
	StatusDeleted = "deleted"

	DefaultSearchLimit = 20
	DefaultTenantID    = "default"

	// Fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is the client's embedded database: the local identity, the local
// document projection with its full-text index, and the sync cursor. The
// offline queue shares the same database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Options struct {
	Now func() time.Time
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps SQLITE_BUSY out of the sync loop.
	db.SetMaxOpenConns(1)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := &Store{db: db, now: now}
	ctx := context.Background()
	if err := store.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the handle so the offline queue can share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES (1, ?)", s.timestamp()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS local_identity (
	id TEXT PRIMARY KEY DEFAULT 'singleton',
	user_id TEXT NOT NULL DEFAULT '',
	tenant_id TEXT NOT NULL DEFAULT 'default',
	did TEXT NOT NULL DEFAULT '',
	server_url TEXT NOT NULL DEFAULT '',
	profile TEXT NOT NULL DEFAULT '{}',
	last_sync_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
)`,
		`CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	is_cached_locally INTEGER NOT NULL DEFAULT 0,
	object_key TEXT NOT NULL DEFAULT '',
	text_content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'local',
	local_version INTEGER NOT NULL DEFAULT 1,
	server_version INTEGER NOT NULL DEFAULT 0,
	is_synced INTEGER NOT NULL DEFAULT 0,
	needs_upload INTEGER NOT NULL DEFAULT 1,
	needs_download INTEGER NOT NULL DEFAULT 0,
	sync_error TEXT NOT NULL DEFAULT '',
	last_synced_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_upload ON documents(needs_upload) WHERE needs_upload = 1`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(id UNINDEXED, filename, text_content)`,
		`CREATE TRIGGER IF NOT EXISTS documents_fts_insert AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(id, filename, text_content) VALUES (new.id, new.filename, new.text_content);
END`,
		`CREATE TRIGGER IF NOT EXISTS documents_fts_update AFTER UPDATE OF filename, text_content ON documents BEGIN
	DELETE FROM documents_fts WHERE id = old.id;
	INSERT INTO documents_fts(id, filename, text_content) VALUES (new.id, new.filename, new.text_content);
END`,
		`CREATE TRIGGER IF NOT EXISTS documents_fts_delete AFTER DELETE ON documents BEGIN
	DELETE FROM documents_fts WHERE id = old.id;
END`,
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

// Identity is the single local account this database belongs to.
type Identity struct {
	UserID     string         `json:"user_id"`
	TenantID   string         `json:"tenant_id"`
	DID        string         `json:"did,omitempty"`
	ServerURL  string         `json:"server_url"`
	Profile    map[string]any `json:"profile"`
	LastSyncAt time.Time      `json:"last_sync_at"`
}

func (s *Store) Identity(ctx context.Context) (Identity, error) {
	var (
		identity          Identity
		profile, lastSync string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, tenant_id, did, server_url, profile, last_sync_at
FROM local_identity WHERE id = 'singleton'`).Scan(
		&identity.UserID, &identity.TenantID, &identity.DID, &identity.ServerURL, &profile, &lastSync,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{TenantID: DefaultTenantID, Profile: map[string]any{}}, nil
	}
	if err != nil {
		return Identity{}, err
	}
	identity.Profile = decodeObject(profile)
	identity.LastSyncAt = parseTime(lastSync)
	return identity, nil
}

// SaveIdentity upserts the identity row. The sync cursor is left alone.
func (s *Store) SaveIdentity(ctx context.Context, identity Identity) error {
	if strings.TrimSpace(identity.TenantID) == "" {
		identity.TenantID = DefaultTenantID
	}
	profile, err := encodeJSON(identity.Profile, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO local_identity (id, user_id, tenant_id, did, server_url, profile, updated_at)
VALUES ('singleton', ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	tenant_id = excluded.tenant_id,
	did = excluded.did,
	server_url = excluded.server_url,
	profile = excluded.profile,
	updated_at = excluded.updated_at`,
		identity.UserID, identity.TenantID, identity.DID, identity.ServerURL, profile, s.timestamp(),
	)
	return err
}

// Cursor returns the last successful pull time; ok is false before the first
// sync.
func (s *Store) Cursor(ctx context.Context) (time.Time, bool, error) {
	identity, err := s.Identity(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	return identity.LastSyncAt, !identity.LastSyncAt.IsZero(), nil
}

func (s *Store) SetCursor(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO local_identity (id, last_sync_at, updated_at) VALUES ('singleton', ?, ?)
ON CONFLICT(id) DO UPDATE SET last_sync_at = excluded.last_sync_at, updated_at = excluded.updated_at`,
		formatTime(at), s.timestamp(),
	)
	return err
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func encodeJSON(value any, empty string) (string, error) {
	if value == nil {
		return empty, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(payload) == "null" {
		return empty, nil
	}
	return string(payload), nil
}

func decodeObject(raw string) map[string]any {
	out := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
