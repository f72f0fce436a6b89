package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	postgresIndexTable   = "alem_documents"
	postgresChangesTable = "alem_document_changes"
	postgresTextConfig   = "english"
)

// PostgresIndex stores document rows with a generated tsvector column ranked by ts_rank.
type PostgresIndex struct {
	conn         *postgresConn
	indexTable   string
	changesTable string
	now          func() time.Time
}

func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	x := &PostgresIndex{
		indexTable:   postgresIndexTable,
		changesTable: postgresChangesTable,
		now:          time.Now,
	}
	conn, err := newPostgresConn(dsn, x.schema)
	if err != nil {
		return nil, err
	}
	x.conn = conn
	return x, nil
}

func (x *PostgresIndex) schema() []string {
	table := postgresQuoteIdentifier(x.indexTable)
	changes := postgresQuoteIdentifier(x.changesTable)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				namespace_id TEXT NOT NULL DEFAULT '',
				filename TEXT NOT NULL,
				content_type TEXT NOT NULL,
				object_key TEXT NOT NULL,
				content_hash TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				text_content TEXT NOT NULL DEFAULT '',
				metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				search_vector TSVECTOR GENERATED ALWAYS AS (
					setweight(to_tsvector('simple', coalesce(filename, '')), 'A') ||
					setweight(to_tsvector('%s', coalesce(text_content, '')), 'B')
				) STORED,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, table, postgresTextConfig),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (search_vector)",
			postgresQuoteIdentifier(x.indexTable+"_search_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, user_id, created_at DESC)",
			postgresQuoteIdentifier(x.indexTable+"_owner_idx"), table),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				changed_at TIMESTAMPTZ NOT NULL,
				entry JSONB NOT NULL
			)`, changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id, changed_at DESC)",
			postgresQuoteIdentifier(x.changesTable+"_user_idx"), changes),
	}
}

const postgresIndexColumns = "id, tenant_id, user_id, namespace_id, filename, content_type, object_key, content_hash, size, status, text_content, metadata, created_at, updated_at"

func (x *PostgresIndex) Insert(ctx context.Context, entry IndexEntry) error {
	if err := validateIndexEntry(entry); err != nil {
		return err
	}
	return x.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		metadata, err := marshalMetadata(entry.Metadata)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)`,
			postgresQuoteIdentifier(x.indexTable), postgresIndexColumns)
		_, err = tx.ExecContext(ctx, query,
			entry.ID, entry.TenantID, entry.UserID, entry.NamespaceID, entry.Filename, entry.ContentType,
			entry.ObjectKey, entry.ContentHash, entry.Size, entry.Status, entry.TextContent, metadata,
			entry.CreatedAt.UTC(), entry.UpdatedAt.UTC())
		if isUniqueViolation(err) {
			return &ConflictError{Kind: "index entry", ID: entry.ID}
		}
		if err != nil {
			return err
		}
		return x.recordChange(ctx, tx, ChangeCreated, x.now().UTC(), entry)
	})
}

func (x *PostgresIndex) Update(ctx context.Context, entry IndexEntry) error {
	if err := validateIndexEntry(entry); err != nil {
		return err
	}
	return x.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		metadata, err := marshalMetadata(entry.Metadata)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`
			UPDATE %s SET
				filename = $3, content_type = $4, object_key = $5, content_hash = $6, size = $7,
				status = $8, text_content = $9, metadata = $10::jsonb, updated_at = $11
			WHERE id = $1 AND tenant_id = $2`, postgresQuoteIdentifier(x.indexTable))
		result, err := tx.ExecContext(ctx, query,
			entry.ID, entry.TenantID, entry.Filename, entry.ContentType, entry.ObjectKey, entry.ContentHash,
			entry.Size, entry.Status, entry.TextContent, metadata, entry.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return fmt.Errorf("index entry %s: %w", entry.ID, ErrNotFound)
		}
		return x.recordChange(ctx, tx, ChangeUpdated, x.now().UTC(), entry)
	})
}

func (x *PostgresIndex) Delete(ctx context.Context, tenantID, id string) error {
	return x.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND tenant_id = $2 RETURNING %s",
			postgresQuoteIdentifier(x.indexTable), postgresIndexColumns)
		entry, err := scanIndexEntry(tx.QueryRowContext(ctx, query, id, tenantID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		return x.recordChange(ctx, tx, ChangeDeleted, x.now().UTC(), tombstone(entry))
	})
}

func (x *PostgresIndex) Get(ctx context.Context, tenantID, id string) (IndexEntry, error) {
	if err := x.conn.ensureReady(); err != nil {
		return IndexEntry{}, err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2", postgresIndexColumns, postgresQuoteIdentifier(x.indexTable))
	entry, err := scanIndexEntry(x.conn.db.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return IndexEntry{}, fmt.Errorf("index entry %s: %w", id, ErrNotFound)
	}
	return entry, err
}

func (x *PostgresIndex) List(ctx context.Context, q ListQuery) ([]IndexEntry, error) {
	if err := x.conn.ensureReady(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit, DefaultListLimit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC, id ASC
		LIMIT $3 OFFSET $4`, postgresIndexColumns, postgresQuoteIdentifier(x.indexTable))
	rows, err := x.conn.db.QueryContext(ctx, query, q.TenantID, q.UserID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]IndexEntry, 0)
	for rows.Next() {
		entry, err := scanIndexEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (x *PostgresIndex) Search(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidInput)
	}
	if err := x.conn.ensureReady(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit, DefaultSearchLimit)
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s, ts_rank(d.search_vector, tsq) AS rank
		FROM %s d, plainto_tsquery('%s', $3) tsq
		WHERE d.tenant_id = $1 AND ($2 = '' OR d.user_id = $2) AND d.search_vector @@ tsq
		ORDER BY rank DESC, d.updated_at DESC
		LIMIT $4`, prefixColumns("d", postgresIndexColumns), postgresQuoteIdentifier(x.indexTable), postgresTextConfig)
	rows, err := x.conn.db.QueryContext(ctx, query, q.TenantID, q.UserID, text, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SearchHit, 0)
	for rows.Next() {
		var hit SearchHit
		var metadata []byte
		e := &hit.Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.NamespaceID, &e.Filename, &e.ContentType,
			&e.ObjectKey, &e.ContentHash, &e.Size, &e.Status, &e.TextContent, &metadata,
			&e.CreatedAt, &e.UpdatedAt, &hit.Rank); err != nil {
			return nil, err
		}
		if err := unmarshalMetadata(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (x *PostgresIndex) ChangesSince(ctx context.Context, userID string, since time.Time, limit int) ([]IndexChange, error) {
	if err := x.conn.ensureReady(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, MaxQueryLimit)
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT kind, changed_at, entry FROM %s
		WHERE user_id = $1 AND changed_at > $2
		ORDER BY changed_at DESC
		LIMIT $3`, postgresQuoteIdentifier(x.changesTable))
	rows, err := x.conn.db.QueryContext(ctx, query, userID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]IndexChange, 0)
	for rows.Next() {
		var change IndexChange
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &change.At, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &change.Entry); err != nil {
			return nil, err
		}
		change.Kind = ChangeKind(kind)
		change.At = change.At.UTC()
		out = append(out, change)
	}
	return out, rows.Err()
}

func (x *PostgresIndex) Close() error {
	return x.conn.close()
}

func (x *PostgresIndex) withTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	if err := x.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	tx, err := x.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (x *PostgresIndex) recordChange(ctx context.Context, tx *sql.Tx, kind ChangeKind, at time.Time, entry IndexEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, tenant_id, user_id, kind, changed_at, entry)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (document_id)
		DO UPDATE SET kind = EXCLUDED.kind, changed_at = EXCLUDED.changed_at, entry = EXCLUDED.entry`,
		postgresQuoteIdentifier(x.changesTable))
	_, err = tx.ExecContext(ctx, query, entry.ID, entry.TenantID, entry.UserID, string(kind), at, string(payload))
	return err
}

func scanIndexEntry(row rowScanner) (IndexEntry, error) {
	var e IndexEntry
	var metadata []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.NamespaceID, &e.Filename, &e.ContentType,
		&e.ObjectKey, &e.ContentHash, &e.Size, &e.Status, &e.TextContent, &metadata,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return IndexEntry{}, err
	}
	if err := unmarshalMetadata(metadata, &e.Metadata); err != nil {
		return IndexEntry{}, err
	}
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	return e, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func unmarshalMetadata(payload []byte, dst *map[string]any) error {
	if len(payload) == 0 {
		*dst = map[string]any{}
		return nil
	}
	return json.Unmarshal(payload, dst)
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
