package namespace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second
	defaultRecordsTable      = "alem_namespaces"
	defaultLeaseTable        = "alem_namespace_leases"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresRecordStore struct {
	dsn    string
	table  string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (*PostgresRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresRecordStore{dsn: dsn, table: defaultRecordsTable, openDB: sql.Open}, nil
}

func (s *PostgresRecordStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		table := postgresQuoteIdentifier(s.table)
		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				config JSONB NOT NULL DEFAULT '{}'::jsonb,
				status TEXT NOT NULL,
				document_count BIGINT NOT NULL DEFAULT 0,
				storage_bytes BIGINT NOT NULL DEFAULT 0,
				last_activity_at TIMESTAMPTZ,
				did TEXT NOT NULL DEFAULT '',
				identity_type TEXT NOT NULL DEFAULT '',
				external_account_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + postgresQuoteIdentifier(s.table+"_did_idx") + ` ON ` + table + ` (did) WHERE did <> ''`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + postgresQuoteIdentifier(s.table+"_external_idx") + ` ON ` + table + ` (external_account_id) WHERE external_account_id <> ''`,
			`CREATE INDEX IF NOT EXISTS ` + postgresQuoteIdentifier(s.table+"_updated_idx") + ` ON ` + table + ` (updated_at)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

const recordColumns = `id, tenant_id, config, status, document_count, storage_bytes, last_activity_at, did, identity_type, external_account_id, created_at, updated_at`

func (s *PostgresRecordStore) Get(ctx context.Context, id string) (Record, error) {
	return s.queryOne(ctx, "id", id)
}

func (s *PostgresRecordStore) FindByDID(ctx context.Context, did string) (Record, error) {
	if did == "" {
		return Record{}, fmt.Errorf("%w: empty did", ErrNotFound)
	}
	return s.queryOne(ctx, "did", did)
}

func (s *PostgresRecordStore) FindByExternalAccount(ctx context.Context, accountID string) (Record, error) {
	if accountID == "" {
		return Record{}, fmt.Errorf("%w: empty external account id", ErrNotFound)
	}
	return s.queryOne(ctx, "external_account_id", accountID)
}

func (s *PostgresRecordStore) queryOne(ctx context.Context, column, value string) (Record, error) {
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+postgresQuoteIdentifier(s.table)+` WHERE `+column+` = $1`, value)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: namespace with %s %s", ErrNotFound, column, value)
	}
	return record, err
}

func (s *PostgresRecordStore) Save(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("%w: namespace id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	config, err := json.Marshal(nonNilConfig(record.Config))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+postgresQuoteIdentifier(s.table)+` (`+recordColumns+`)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			config = EXCLUDED.config,
			status = EXCLUDED.status,
			document_count = EXCLUDED.document_count,
			storage_bytes = EXCLUDED.storage_bytes,
			last_activity_at = EXCLUDED.last_activity_at,
			did = EXCLUDED.did,
			identity_type = EXCLUDED.identity_type,
			external_account_id = EXCLUDED.external_account_id,
			updated_at = EXCLUDED.updated_at`,
		record.ID, record.TenantID, string(config), string(record.Status), record.DocumentCount, record.StorageBytes,
		nullTime(record.LastActivityAt), record.DID, record.IdentityType, record.ExternalAccountID,
		record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: identity of namespace %s already in use", ErrConflict, record.ID)
	}
	return err
}

func (s *PostgresRecordStore) ChangedSince(ctx context.Context, accountID string, since time.Time, limit int) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+postgresQuoteIdentifier(s.table)+`
		WHERE (id = $1 OR external_account_id = $1) AND updated_at > $2
		ORDER BY updated_at DESC, id ASC LIMIT $3`, accountID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresRecordStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record       Record
		config       []byte
		status       string
		lastActivity sql.NullTime
	)
	if err := row.Scan(&record.ID, &record.TenantID, &config, &status, &record.DocumentCount, &record.StorageBytes,
		&lastActivity, &record.DID, &record.IdentityType, &record.ExternalAccountID, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.Status = RecordStatus(status)
	if lastActivity.Valid {
		record.LastActivityAt = lastActivity.Time
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &record.Config); err != nil {
			return Record{}, fmt.Errorf("decode namespace config %s: %w", record.ID, err)
		}
	}
	record.Config = nonNilConfig(record.Config)
	return record, nil
}

func nonNilConfig(config map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	return config
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
