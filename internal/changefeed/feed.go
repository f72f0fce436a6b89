package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alemhq/alem/internal/namespace"
	"github.com/alemhq/alem/internal/router"
	"github.com/alemhq/alem/internal/storage"
)

const (
	TypeDocumentCreated  = "document_created"
	TypeDocumentUpdated  = "document_updated"
	TypeDocumentDeleted  = "document_deleted"
	TypeNamespaceUpdated = "namespace_updated"

	DefaultLimit = 100
	MaxLimit     = 1000
	// DefaultLookback is the window a client without a cursor starts from.
	DefaultLookback = 30 * 24 * time.Hour
)

var (
	ErrInvalidInput = storage.ErrInvalidInput
	ErrUnauthorized = router.ErrUnauthorized
)

// Change is one entry of the server change feed.
type Change struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type ChangesResponse struct {
	Changes   []Change  `json:"changes"`
	Timestamp time.Time `json:"timestamp"`
	HasMore   bool      `json:"has_more"`
}

// Caller identifies the authenticated account a feed request acts for.
type Caller struct {
	UserID      string
	TenantID    string
	NamespaceID string
}

// DocumentChanges is the document mutation source; storage.Index satisfies it.
type DocumentChanges interface {
	ChangesSince(ctx context.Context, userID string, since time.Time, limit int) ([]storage.IndexChange, error)
}

// NamespaceChanges is the namespace mutation source; namespace.RecordStore
// satisfies it.
type NamespaceChanges interface {
	ChangedSince(ctx context.Context, accountID string, since time.Time, limit int) ([]namespace.Record, error)
}

// Namespaces is the slice of namespace.Manager the feed applies changes through.
type Namespaces interface {
	Start(ctx context.Context, req namespace.StartRequest) (namespace.Record, error)
	Record(ctx context.Context, id string) (namespace.Record, error)
	UpdateConfig(ctx context.Context, id string, patch map[string]any) (map[string]any, error)
	RecordUsage(id string, documents, bytes int64)
	Do(ctx context.Context, id string, fn func(context.Context, *router.Router) error) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Documents  DocumentChanges
	Records    NamespaceChanges
	Namespaces Namespaces
	// OnChange observes every change applied through Apply.
	OnChange func(userID string, change Change)
	Logger   Logger
	Now      func() time.Time
}

type Feed struct {
	documents  DocumentChanges
	records    NamespaceChanges
	namespaces Namespaces
	validator  *validator
	onChange   func(string, Change)
	logger     Logger
	now        func() time.Time
}

func New(opts Options) (*Feed, error) {
	if opts.Documents == nil || opts.Records == nil {
		return nil, fmt.Errorf("%w: change feed needs document and namespace change sources", ErrInvalidInput)
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Feed{
		documents:  opts.Documents,
		records:    opts.Records,
		namespaces: opts.Namespaces,
		validator:  v,
		onChange:   opts.OnChange,
		logger:     opts.Logger,
		now:        now,
	}, nil
}

// Changes merges document and namespace mutations newer than since, newest
// first, truncated to limit. HasMore is set whenever the page is full.
func (f *Feed) Changes(ctx context.Context, userID string, since time.Time, limit int) (ChangesResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ChangesResponse{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	now := f.now().UTC()

	docChanges, err := f.documents.ChangesSince(ctx, userID, since, limit)
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("document changes: %w", err)
	}
	records, err := f.records.ChangedSince(ctx, userID, since, limit)
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("namespace changes: %w", err)
	}

	changes := make([]Change, 0, len(docChanges)+len(records))
	for _, change := range docChanges {
		if !change.At.After(since) {
			continue
		}
		changes = append(changes, documentChange(change))
	}
	for _, record := range records {
		if !record.UpdatedAt.After(since) {
			continue
		}
		changes = append(changes, namespaceChange(record))
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.After(changes[j].Timestamp)
	})
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return ChangesResponse{Changes: changes, Timestamp: now, HasMore: len(changes) == limit}, nil
}

func documentChange(change storage.IndexChange) Change {
	out := Change{ID: change.Entry.ID, Timestamp: change.At.UTC()}
	switch change.Kind {
	case storage.ChangeCreated:
		out.Type = TypeDocumentCreated
	case storage.ChangeDeleted:
		out.Type = TypeDocumentDeleted
		out.Data = map[string]any{"id": change.Entry.ID, "user_id": change.Entry.UserID, "deleted": true}
		return out
	default:
		out.Type = TypeDocumentUpdated
	}
	entry := change.Entry
	entry.TextContent = ""
	out.Data = toMap(entry)
	return out
}

func namespaceChange(record namespace.Record) Change {
	return Change{
		ID:        record.ID,
		Type:      TypeNamespaceUpdated,
		Timestamp: record.UpdatedAt.UTC(),
		Data:      toMap(record),
	}
}

func toMap(value any) map[string]any {
	payload, err := json.Marshal(value)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func (f *Feed) notify(userID string, change Change) {
	if f.onChange == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			f.logf("change observer panic: %v", p)
		}
	}()
	f.onChange(userID, change)
}

func (f *Feed) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

// ParseSince reads an ISO 8601 cursor; an empty value means DefaultLookback
// before now.
func ParseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Add(-DefaultLookback).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: since %q is not an ISO 8601 timestamp", ErrInvalidInput, raw)
}
