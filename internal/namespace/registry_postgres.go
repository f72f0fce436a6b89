package namespace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultLeaseTTL = 30 * time.Second

// PostgresRegistry stores ownership as expiring leases so that keys held by a
// crashed node become claimable once the lease lapses. A background heartbeat
// renews every lease this node holds.
type PostgresRegistry struct {
	dsn    string
	table  string
	nodeID string
	ttl    time.Duration
	openDB sqlOpenFunc
	now    func() time.Time
	logger Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type PostgresRegistryOptions struct {
	DSN    string
	NodeID string
	TTL    time.Duration
	Logger Logger
}

func NewPostgresRegistry(opts PostgresRegistryOptions) (*PostgresRegistry, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	nodeID := strings.TrimSpace(opts.NodeID)
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalidInput)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &PostgresRegistry{
		dsn:    dsn,
		table:  defaultLeaseTable,
		nodeID: nodeID,
		ttl:    ttl,
		openDB: sql.Open,
		now:    time.Now,
		logger: opts.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (r *PostgresRegistry) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			close(r.done)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+postgresQuoteIdentifier(r.table)+` (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			node_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
		if err != nil {
			_ = db.Close()
			r.initErr = err
			close(r.done)
			return
		}
		r.db = db
		go r.heartbeat()
	})
	return r.initErr
}

func (r *PostgresRegistry) Register(ctx context.Context, key, owner string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: registry key and owner are required", ErrInvalidInput)
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	now := r.now().UTC()
	table := postgresQuoteIdentifier(r.table)
	result, err := r.db.ExecContext(ctx, `INSERT INTO `+table+` AS lease (key, owner, node_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			owner = EXCLUDED.owner,
			node_id = EXCLUDED.node_id,
			expires_at = EXCLUDED.expires_at
		WHERE lease.expires_at < $5 OR (lease.node_id = EXCLUDED.node_id AND lease.owner = EXCLUDED.owner)`,
		key, owner, r.nodeID, now.Add(r.ttl), now)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, lookupErr := r.Lookup(ctx, key)
		if lookupErr != nil {
			current = "unknown"
		}
		return &OwnedElsewhereError{ID: key, Owner: current}
	}
	return nil
}

func (r *PostgresRegistry) Unregister(ctx context.Context, key string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `DELETE FROM `+postgresQuoteIdentifier(r.table)+` WHERE key = $1 AND node_id = $2`,
		strings.TrimSpace(key), r.nodeID)
	return err
}

func (r *PostgresRegistry) Lookup(ctx context.Context, key string) (string, error) {
	if err := r.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner FROM `+postgresQuoteIdentifier(r.table)+` WHERE key = $1 AND expires_at > $2`,
		strings.TrimSpace(key), r.now().UTC()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return owner, err
}

func (r *PostgresRegistry) heartbeat() {
	defer close(r.done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.renew(); err != nil {
				logf(r.logger, "namespace registry heartbeat failed: %v", err)
			}
		}
	}
}

func (r *PostgresRegistry) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE `+postgresQuoteIdentifier(r.table)+` SET expires_at = $2 WHERE node_id = $1`,
		r.nodeID, r.now().UTC().Add(r.ttl))
	return err
}

func (r *PostgresRegistry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.db == nil {
			return
		}
		<-r.done
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, deleteErr := r.db.ExecContext(ctx, `DELETE FROM `+postgresQuoteIdentifier(r.table)+` WHERE node_id = $1`, r.nodeID); deleteErr != nil {
			err = deleteErr
		}
		if closeErr := r.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
