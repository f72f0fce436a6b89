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
	postgresDocDatabasesTable = "alem_docstore_databases"
	postgresDocumentsTable    = "alem_docstore_documents"
)

// PostgresDocumentStore keeps every logical database as rows of one JSONB table.
type PostgresDocumentStore struct {
	conn           *postgresConn
	databasesTable string
	documentsTable string
	now            func() time.Time
}

func NewPostgresDocumentStore(dsn string) (*PostgresDocumentStore, error) {
	s := &PostgresDocumentStore{
		databasesTable: postgresDocDatabasesTable,
		documentsTable: postgresDocumentsTable,
		now:            time.Now,
	}
	conn, err := newPostgresConn(dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *PostgresDocumentStore) schema() []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.databasesTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				db_name TEXT NOT NULL,
				id TEXT NOT NULL,
				rev TEXT NOT NULL,
				body JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (db_name, id)
			)`, postgresQuoteIdentifier(s.documentsTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (body jsonb_path_ops)",
			postgresQuoteIdentifier(s.documentsTable+"_body_idx"),
			postgresQuoteIdentifier(s.documentsTable)),
	}
}

func (s *PostgresDocumentStore) EnsureDatabase(ctx context.Context, name string) error {
	if err := validateDatabaseName(name); err != nil {
		return err
	}
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf("INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", postgresQuoteIdentifier(s.databasesTable))
	_, err := s.conn.db.ExecContext(ctx, query, name)
	return err
}

func (s *PostgresDocumentStore) Put(ctx context.Context, db string, doc DocRecord) (string, error) {
	if strings.TrimSpace(doc.ID) == "" || !json.Valid(doc.Body) {
		return "", ErrInvalidInput
	}
	if err := s.conn.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()

	tx, err := s.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := s.requireDatabase(ctx, tx, db); err != nil {
		return "", err
	}

	var currentRev string
	selectQuery := fmt.Sprintf("SELECT rev FROM %s WHERE db_name = $1 AND id = $2 FOR UPDATE", postgresQuoteIdentifier(s.documentsTable))
	err = tx.QueryRowContext(ctx, selectQuery, db, doc.ID).Scan(&currentRev)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", err
	}

	switch {
	case exists && doc.Rev != currentRev:
		return "", &ConflictError{Kind: "document", ID: doc.ID, Rev: currentRev}
	case !exists && doc.Rev != "":
		return "", fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}

	rev := nextRevision(revisionGeneration(currentRev), doc.Body)
	now := s.now().UTC()
	if exists {
		updateQuery := fmt.Sprintf("UPDATE %s SET rev = $3, body = $4::jsonb, updated_at = $5 WHERE db_name = $1 AND id = $2", postgresQuoteIdentifier(s.documentsTable))
		if _, err := tx.ExecContext(ctx, updateQuery, db, doc.ID, rev, string(doc.Body), now); err != nil {
			return "", err
		}
	} else {
		insertQuery := fmt.Sprintf("INSERT INTO %s (db_name, id, rev, body, updated_at) VALUES ($1, $2, $3, $4::jsonb, $5)", postgresQuoteIdentifier(s.documentsTable))
		if _, err := tx.ExecContext(ctx, insertQuery, db, doc.ID, rev, string(doc.Body), now); err != nil {
			if isUniqueViolation(err) {
				return "", &ConflictError{Kind: "document", ID: doc.ID}
			}
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return rev, nil
}

func (s *PostgresDocumentStore) Get(ctx context.Context, db, id string) (DocRecord, error) {
	if err := s.conn.ensureReady(); err != nil {
		return DocRecord{}, err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT id, rev, body, updated_at FROM %s WHERE db_name = $1 AND id = $2", postgresQuoteIdentifier(s.documentsTable))
	doc, err := scanDocRecord(s.conn.db.QueryRowContext(ctx, query, db, id))
	if errors.Is(err, sql.ErrNoRows) {
		return DocRecord{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

func (s *PostgresDocumentStore) Delete(ctx context.Context, db, id, rev string) error {
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE db_name = $1 AND id = $2 AND rev = $3", postgresQuoteIdentifier(s.documentsTable))
	result, err := s.conn.db.ExecContext(ctx, query, db, id, rev)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, err := s.Get(ctx, db, id)
	if err != nil {
		return err
	}
	return &ConflictError{Kind: "document", ID: id, Rev: current.Rev}
}

func (s *PostgresDocumentStore) Find(ctx context.Context, db string, selector Selector, limit int) ([]DocRecord, error) {
	limit = clampLimit(limit, DefaultListLimit)
	if err := s.conn.ensureReady(); err != nil {
		return nil, err
	}
	if selector == nil {
		selector = Selector{}
	}
	payload, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, rev, body, updated_at
		FROM %s
		WHERE db_name = $1 AND body @> $2::jsonb
		ORDER BY id ASC
		LIMIT $3`, postgresQuoteIdentifier(s.documentsTable))
	rows, err := s.conn.db.QueryContext(ctx, query, db, string(payload), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]DocRecord, 0)
	for rows.Next() {
		doc, err := scanDocRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PostgresDocumentStore) Close() error {
	return s.conn.close()
}

func (s *PostgresDocumentStore) requireDatabase(ctx context.Context, tx *sql.Tx, name string) error {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)", postgresQuoteIdentifier(s.databasesTable))
	if err := tx.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("database %s: %w", name, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocRecord(row rowScanner) (DocRecord, error) {
	var doc DocRecord
	var body []byte
	if err := row.Scan(&doc.ID, &doc.Rev, &body, &doc.UpdatedAt); err != nil {
		return DocRecord{}, err
	}
	doc.Body = json.RawMessage(body)
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}
