package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// ConflictError reports a revision or uniqueness clash in one of the stores.
type ConflictError struct {
	Kind string
	ID   string
	Rev  string
}

func (e *ConflictError) Error() string {
	if e.Rev != "" {
		return fmt.Sprintf("%s %s: revision conflict (current %s)", e.Kind, e.ID, e.Rev)
	}
	return fmt.Sprintf("%s %s: already exists", e.Kind, e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type BlobInfo struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// BlobStore holds raw document bytes under opaque keys.
// Delete of a missing key succeeds so partially completed deletes can be retried.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (BlobInfo, error)
	Get(ctx context.Context, key string) ([]byte, BlobInfo, error)
	Stat(ctx context.Context, key string) (BlobInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	PresignURL(ctx context.Context, method, key string, ttl time.Duration) (string, error)
	Close() error
}

// DocRecord is one JSON document in a document-store database.
type DocRecord struct {
	ID        string          `json:"_id"`
	Rev       string          `json:"_rev,omitempty"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Selector matches documents whose top-level body fields equal the given values.
type Selector map[string]any

// DocumentStore is a revisioned JSON document store partitioned into databases.
// Put with an empty Rev creates; a non-empty Rev must match the stored revision.
type DocumentStore interface {
	EnsureDatabase(ctx context.Context, name string) error
	Put(ctx context.Context, db string, doc DocRecord) (string, error)
	Get(ctx context.Context, db, id string) (DocRecord, error)
	Delete(ctx context.Context, db, id, rev string) error
	Find(ctx context.Context, db string, selector Selector, limit int) ([]DocRecord, error)
	Close() error
}

type IndexEntry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	NamespaceID string         `json:"namespace_id"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	ObjectKey   string         `json:"object_key"`
	ContentHash string         `json:"content_hash"`
	Size        int64          `json:"size"`
	Status      string         `json:"status"`
	TextContent string         `json:"text_content,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type ListQuery struct {
	TenantID string
	UserID   string
	Limit    int
	Offset   int
}

type SearchQuery struct {
	TenantID string
	UserID   string
	Text     string
	Limit    int
}

type SearchHit struct {
	Entry IndexEntry `json:"document"`
	Rank  float64    `json:"rank"`
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// IndexChange is the latest mutation recorded for one document.
// Deleted changes carry only the identifying fields of Entry.
type IndexChange struct {
	Kind  ChangeKind `json:"kind"`
	At    time.Time  `json:"at"`
	Entry IndexEntry `json:"entry"`
}

// Index is the relational projection used for listing, full-text search and
// the document change source of the sync feed.
type Index interface {
	Insert(ctx context.Context, entry IndexEntry) error
	Update(ctx context.Context, entry IndexEntry) error
	Delete(ctx context.Context, tenantID, id string) error
	Get(ctx context.Context, tenantID, id string) (IndexEntry, error)
	List(ctx context.Context, q ListQuery) ([]IndexEntry, error)
	Search(ctx context.Context, q SearchQuery) ([]SearchHit, error)
	ChangesSince(ctx context.Context, userID string, since time.Time, limit int) ([]IndexChange, error)
	Close() error
}

const (
	DefaultListLimit   = 50
	DefaultSearchLimit = 20
	MaxQueryLimit      = 1000
)

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
