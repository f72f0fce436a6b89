package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BlobStoreFactory func(dsn string, signer *Signer) (BlobStore, error)
type DocumentStoreFactory func(dsn string) (DocumentStore, error)
type IndexFactory func(dsn string) (Index, error)

var factoryRegistry = struct {
	mu    sync.RWMutex
	blobs map[string]BlobStoreFactory
	docs  map[string]DocumentStoreFactory
	index map[string]IndexFactory
}{
	blobs: map[string]BlobStoreFactory{},
	docs:  map[string]DocumentStoreFactory{},
	index: map[string]IndexFactory{},
}

func RegisterBlobStoreFactory(scheme string, factory BlobStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.blobs[scheme] = factory
}

func RegisterDocumentStoreFactory(scheme string, factory DocumentStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.docs[scheme] = factory
}

func RegisterIndexFactory(scheme string, factory IndexFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.index[scheme] = factory
}

func BuildBlobStoreFromDSN(dsn string, signer *Signer) (BlobStore, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.blobs[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn, signer)
	}
	switch scheme {
	case "", "file":
		path, err := DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileBlobStore(path, signer)
	case "memory", "mem", "inmem":
		return NewMemoryBlobStore(signer), nil
	case "s3", "gs", "minio":
		return nil, fmt.Errorf("%w: blob store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

func BuildDocumentStoreFromDSN(dsn string) (DocumentStore, error) {
	_, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.docs[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDocumentStore(), nil
	case "postgres", "postgresql":
		return NewPostgresDocumentStore(dsn)
	case "couchdb", "http", "https":
		return nil, fmt.Errorf("%w: document store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}

func BuildIndexFromDSN(dsn string) (Index, error) {
	_, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.index[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryIndex(), nil
	case "postgres", "postgresql":
		return NewPostgresIndex(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: index %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported index scheme: %s", scheme)
	}
}

func parseDSN(dsn string) (*url.URL, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	return parsed, normalizeScheme(parsed.Scheme), nil
}

// DSNPath returns the filesystem path of a file:// DSN or a bare path.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
