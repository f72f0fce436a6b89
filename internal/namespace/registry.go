package namespace

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Registry maps a key to at most one live owner.
type Registry interface {
	Register(ctx context.Context, key, owner string) error
	Unregister(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (string, error)
	Close() error
}

type MemoryRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: map[string]string{}}
}

// Register is idempotent for the current owner.
func (r *MemoryRegistry) Register(_ context.Context, key, owner string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: registry key and owner are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.owners[key]; ok && current != owner {
		return &OwnedElsewhereError{ID: key, Owner: current}
	}
	r.owners[key] = owner
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, strings.TrimSpace(key))
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return owner, nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}
