package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("operation not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	OpCreateDocument  = "create_document"
	OpUpdateDocument  = "update_document"
	OpDeleteDocument  = "delete_document"
	OpCreateDID       = "create_did"
	OpUpdateProfile   = "update_profile"
	OpCreateNamespace = "create_namespace"

	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"

	// DefaultMaxRetries is the retry ceiling past which a failed operation
	// waits for an explicit reset.
	DefaultMaxRetries = 3

	// Fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var knownTypes = map[string]struct{}{
	OpCreateDocument:  {},
	OpUpdateDocument:  {},
	OpDeleteDocument:  {},
	OpCreateDID:       {},
	OpUpdateProfile:   {},
	OpCreateNamespace: {},
}

// KnownType reports whether the sync engine knows how to push opType.
func KnownType(opType string) bool {
	_, ok := knownTypes[opType]
	return ok
}

// Operation is one locally recorded mutation waiting to reach the server.
type Operation struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Type         string         `json:"type"`
	Data         map[string]any `json:"data"`
	Status       string         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LastRetryAt  time.Time      `json:"last_retry_at"`
	ProcessedAt  time.Time      `json:"processed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Stats struct {
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type Options struct {
	MaxRetries int
	Now        func() time.Time
}

// Queue is a durable per-user operation queue stored in the client database.
type Queue struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time

	initOnce sync.Once
	initErr  error
}

func New(db *sql.DB, opts Options) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle is required", ErrInvalidInput)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, maxRetries: maxRetries, now: now}, nil
}

// MaxRetries is the configured retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func (q *Queue) ensureReady(ctx context.Context) error {
	q.initOnce.Do(func() {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS offline_operations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	last_retry_at TEXT NOT NULL DEFAULT '',
	processed_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_offline_operations_user_status ON offline_operations(user_id, status)`,
		}
		for _, statement := range statements {
			if _, err := q.db.ExecContext(ctx, statement); err != nil {
				q.initErr = err
				return
			}
		}
	})
	return q.initErr
}

const operationColumns = `id, user_id, op_type, payload, status, retry_count, error_message,
	last_retry_at, processed_at, created_at, updated_at`

// Add records a pending operation for userID.
func (q *Queue) Add(ctx context.Context, userID, opType string, data map[string]any) (Operation, error) {
	userID = strings.TrimSpace(userID)
	opType = strings.TrimSpace(opType)
	if userID == "" {
		return Operation{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if opType == "" {
		return Operation{}, fmt.Errorf("%w: operation type is required", ErrInvalidInput)
	}
	if err := q.ensureReady(ctx); err != nil {
		return Operation{}, err
	}
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
	}
	id := uuid.NewString()
	now := q.timestamp()
	if _, err := q.db.ExecContext(ctx, `
INSERT INTO offline_operations (id, user_id, op_type, payload, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, id, userID, opType, string(payload), StatusPending, now, now); err != nil {
		return Operation{}, err
	}
	return q.Get(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (Operation, error) {
	if err := q.ensureReady(ctx); err != nil {
		return Operation{}, err
	}
	row := q.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM offline_operations WHERE id = ?", id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return op, err
}

// Pending returns userID's pending operations in insertion order.
func (q *Queue) Pending(ctx context.Context, userID string) ([]Operation, error) {
	return q.list(ctx, "WHERE user_id = ? AND status = ? ORDER BY seq ASC", userID, StatusPending)
}

// Retryable returns failed operations still under maxRetries, least recently
// retried first. A non-positive maxRetries uses the queue ceiling.
func (q *Queue) Retryable(ctx context.Context, userID string, maxRetries int) ([]Operation, error) {
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	return q.list(ctx, "WHERE user_id = ? AND status = ? AND retry_count < ? ORDER BY last_retry_at ASC, seq ASC", userID, StatusFailed, maxRetries)
}

// Failed returns every failed operation, including those at the ceiling.
func (q *Queue) Failed(ctx context.Context, userID string) ([]Operation, error) {
	return q.list(ctx, "WHERE user_id = ? AND status = ? ORDER BY seq ASC", userID, StatusFailed)
}

// MarkProcessed moves the given operations to processed. Unknown ids are
// ignored; n is the number of rows that changed.
func (q *Queue) MarkProcessed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.ensureReady(ctx); err != nil {
		return 0, err
	}
	now := q.timestamp()
	args := []any{StatusProcessed, now, now}
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE offline_operations SET status = ?, processed_at = ?, updated_at = ?, error_message = ''
WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status != 'processed'`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkFailed records a failed attempt and bumps the retry count.
func (q *Queue) MarkFailed(ctx context.Context, id, message string) (Operation, error) {
	if err := q.ensureReady(ctx); err != nil {
		return Operation{}, err
	}
	now := q.timestamp()
	res, err := q.db.ExecContext(ctx, `
UPDATE offline_operations SET status = ?, retry_count = retry_count + 1, error_message = ?,
	last_retry_at = ?, updated_at = ?
WHERE id = ? AND status != ?`, StatusFailed, message, now, now, id, StatusProcessed)
	if err != nil {
		return Operation{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return q.Get(ctx, id)
}

// ResetForRetry returns a failed operation to pending. The retry count is
// kept; resetting an operation that is not failed is a no-op.
func (q *Queue) ResetForRetry(ctx context.Context, id string) error {
	if err := q.ensureReady(ctx); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE offline_operations SET status = ?, error_message = '', updated_at = ?
WHERE id = ? AND status = ?`, StatusPending, q.timestamp(), id, StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := q.Get(ctx, id)
		return err
	}
	return nil
}

// ResetAllFailed returns every failed operation of userID to pending with a
// fresh retry budget.
func (q *Queue) ResetAllFailed(ctx context.Context, userID string) (int64, error) {
	if err := q.ensureReady(ctx); err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE offline_operations SET status = ?, retry_count = 0, error_message = '', updated_at = ?
WHERE user_id = ? AND status = ?`, StatusPending, q.timestamp(), userID, StatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearProcessed deletes userID's processed operations.
func (q *Queue) ClearProcessed(ctx context.Context, userID string) (int64, error) {
	if err := q.ensureReady(ctx); err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, "DELETE FROM offline_operations WHERE user_id = ? AND status = ?", userID, StatusProcessed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queue) Stats(ctx context.Context, userID string) (Stats, error) {
	if err := q.ensureReady(ctx); err != nil {
		return Stats{}, err
	}
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM offline_operations WHERE user_id = ? GROUP BY status", userID)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessed:
			stats.Processed = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (q *Queue) list(ctx context.Context, where string, args ...any) ([]Operation, error) {
	if err := q.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, "SELECT "+operationColumns+" FROM offline_operations "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (q *Queue) timestamp() string {
	return q.now().UTC().Format(timeLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op                                         Operation
		payload                                    string
		lastRetry, processedAt, createdAt, updated string
	)
	err := row.Scan(
		&op.ID, &op.UserID, &op.Type, &payload, &op.Status, &op.RetryCount, &op.ErrorMessage,
		&lastRetry, &processedAt, &createdAt, &updated,
	)
	if err != nil {
		return Operation{}, err
	}
	op.Data = map[string]any{}
	_ = json.Unmarshal([]byte(payload), &op.Data)
	op.LastRetryAt = parseTime(lastRetry)
	op.ProcessedAt = parseTime(processedAt)
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updated)
	return op, nil
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
