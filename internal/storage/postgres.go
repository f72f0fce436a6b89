package storage

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresConn lazily opens a pool and runs the owning store's schema once.
type postgresConn struct {
	dsn    string
	openDB sqlOpenFunc
	schema func() []string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresConn(dsn string, schema func() []string) (*postgresConn, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresConn{dsn: dsn, openDB: sql.Open, schema: schema}, nil
}

func (c *postgresConn) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, statement := range c.schema() {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresConn) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// operationContext bounds a single statement by the caller's context and the
// store-wide operation timeout, whichever is shorter.
func operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(strings.TrimSpace(part)))
	}
	return int64(hasher.Sum64())
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
