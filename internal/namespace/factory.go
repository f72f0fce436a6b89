package namespace

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/alemhq/alem/internal/storage"
)

// BuildRecordStoreFromDSN picks a record store by scheme: memory, file or
// postgres. An empty DSN stores records in memory.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRecordStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return NewFileRecordStore(dsn)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "file":
		path, err := storage.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileRecordStore(path)
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	default:
		return nil, fmt.Errorf("%w: namespace record store scheme %q", storage.ErrNotImplemented, parsed.Scheme)
	}
}

// BuildRegistryFromDSN returns a lease-backed registry for postgres DSNs and an
// in-process registry otherwise.
func BuildRegistryFromDSN(dsn, nodeID string, logger Logger) (Registry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRegistry(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: registry dsn: %v", ErrInvalidInput, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryRegistry(), nil
	case "postgres", "postgresql":
		return NewPostgresRegistry(PostgresRegistryOptions{DSN: dsn, NodeID: nodeID, Logger: logger})
	default:
		return nil, fmt.Errorf("%w: namespace registry scheme %q", storage.ErrNotImplemented, parsed.Scheme)
	}
}
