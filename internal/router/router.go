package router

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/alemhq/alem/internal/storage"
)

var (
	ErrInvalidInput = storage.ErrInvalidInput
	ErrNotFound     = storage.ErrNotFound
	ErrConflict     = storage.ErrConflict
	ErrUnauthorized = errors.New("unauthorized")
)

// StepError names the pipeline step whose adapter call failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

const (
	StepBlobPut       = "blob_put"
	StepBlobRead      = "blob_read"
	StepBlobDelete    = "blob_delete"
	StepDocumentPut   = "document_put"
	StepDocumentGet   = "document_get"
	StepDocumentDel   = "document_delete"
	StepIndexInsert   = "index_insert"
	StepIndexUpdate   = "index_update"
	StepIndexDelete   = "index_delete"
	StepEnsureDB      = "ensure_database"
	defaultUploadTTL  = 15 * time.Minute
	documentIDEntropy = 16
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Document struct {
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

	Rev     string `json:"-"`
	Content []byte `json:"-"`
}

type SearchResult struct {
	Document Document `json:"document"`
	Rank     float64  `json:"rank"`
}

type IngestRequest struct {
	// ID is optional; a fresh id is generated when empty.
	ID          string
	Filename    string
	ContentType string
	Content     []byte
	// ObjectKey ingests bytes already uploaded through a presigned URL.
	ObjectKey string
	Metadata  map[string]any
	UpdatedAt time.Time
}

type UpdateRequest struct {
	Filename    string
	ContentType string
	Content     []byte
	ObjectKey   string
	Metadata    map[string]any
	UpdatedAt   time.Time
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	NamespaceID string
	TenantID    string
	UserID      string
	Blobs       storage.BlobStore
	Docs        storage.DocumentStore
	Index       storage.Index
	Extractor   Extractor
	Logger      Logger
	Now         func() time.Time
}

// Router orchestrates one namespace's writes across the blob store, the
// document store and the relational index.
type Router struct {
	namespaceID string
	tenantID    string
	userID      string
	database    string
	blobs       storage.BlobStore
	docs        storage.DocumentStore
	index       storage.Index
	extractor   Extractor
	logger      Logger
	now         func() time.Time
}

func New(opts Options) (*Router, error) {
	if opts.Blobs == nil || opts.Docs == nil || opts.Index == nil {
		return nil, fmt.Errorf("storage adapters are required")
	}
	tenantID := strings.TrimSpace(opts.TenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = TextExtractor{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		namespaceID: strings.TrimSpace(opts.NamespaceID),
		tenantID:    tenantID,
		userID:      userID,
		database:    storage.DatabaseName(tenantID),
		blobs:       opts.Blobs,
		docs:        opts.Docs,
		index:       opts.Index,
		extractor:   extractor,
		logger:      opts.Logger,
		now:         now,
	}, nil
}

func (r *Router) TenantID() string { return r.tenantID }

func (r *Router) UserID() string { return r.userID }

// Init makes sure the tenant's document-store database exists.
func (r *Router) Init(ctx context.Context) error {
	if err := r.docs.EnsureDatabase(ctx, r.database); err != nil {
		return &StepError{Step: StepEnsureDB, Err: err}
	}
	return nil
}

// Ingest writes the blob, extracts text, stores the document record and
// indexes it, in that order. A failure after the blob write removes what the
// earlier steps created before returning the failing step's error.
func (r *Router) Ingest(ctx context.Context, req IngestRequest) (Document, error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return Document{}, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if len(req.Content) == 0 && strings.TrimSpace(req.ObjectKey) == "" {
		return Document{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		generated, err := NewDocumentID()
		if err != nil {
			return Document{}, err
		}
		id = generated
	} else if err := ValidateDocumentID(id); err != nil {
		return Document{}, err
	} else if _, err := r.docs.Get(ctx, r.database, id); err == nil {
		return Document{}, &StepError{Step: StepDocumentPut, Err: &storage.ConflictError{Kind: "document", ID: id}}
	} else if !errors.Is(err, ErrNotFound) {
		return Document{}, &StepError{Step: StepDocumentGet, Err: err}
	}
	contentType := normalizeContentType(req.ContentType, filename)
	now := r.now().UTC()
	updatedAt := now
	if !req.UpdatedAt.IsZero() {
		updatedAt = req.UpdatedAt.UTC()
	}

	content := req.Content
	objectKey := r.ObjectKey(id, filename)
	uploaded := len(content) == 0
	if uploaded {
		objectKey = strings.TrimSpace(req.ObjectKey)
		if err := r.ownsObjectKey(id, objectKey); err != nil {
			return Document{}, err
		}
		data, _, err := r.blobs.Get(ctx, objectKey)
		if err != nil {
			return Document{}, &StepError{Step: StepBlobRead, Err: err}
		}
		content = data
	} else if _, err := r.blobs.Put(ctx, objectKey, content, contentType); err != nil {
		return Document{}, &StepError{Step: StepBlobPut, Err: err}
	}

	doc := Document{
		ID:          id,
		TenantID:    r.tenantID,
		UserID:      r.userID,
		NamespaceID: r.namespaceID,
		Filename:    filename,
		ContentType: contentType,
		ObjectKey:   objectKey,
		ContentHash: contentHash(content),
		Size:        int64(len(content)),
		Status:      StatusCompleted,
		Metadata:    cloneMap(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   updatedAt,
	}
	doc.TextContent = r.extractor.Extract(contentType, content)

	rev, err := r.putDocument(ctx, doc)
	if err != nil {
		if !uploaded {
			r.compensate(ctx, "ingest "+id, func() error { return r.blobs.Delete(ctx, objectKey) })
		}
		return Document{}, &StepError{Step: StepDocumentPut, Err: err}
	}
	doc.Rev = rev

	if err := r.index.Insert(ctx, toIndexEntry(doc)); err != nil {
		r.compensate(ctx, "ingest "+id, func() error { return r.docs.Delete(ctx, r.database, id, rev) })
		if !uploaded {
			r.compensate(ctx, "ingest "+id, func() error { return r.blobs.Delete(ctx, objectKey) })
		}
		return Document{}, &StepError{Step: StepIndexInsert, Err: err}
	}
	return doc, nil
}

func (r *Router) List(ctx context.Context, limit, offset int) ([]Document, error) {
	entries, err := r.index.List(ctx, storage.ListQuery{
		TenantID: r.tenantID,
		UserID:   r.userID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(entries))
	for _, entry := range entries {
		out = append(out, fromIndexEntry(entry))
	}
	return out, nil
}

// Get returns the document when callerTenant owns it. A record owned by another
// tenant is reported as ErrUnauthorized, never as not found.
func (r *Router) Get(ctx context.Context, callerTenant, id string, includeContent bool) (Document, error) {
	doc, err := r.loadDocument(ctx, callerTenant, id)
	if err != nil {
		return Document{}, err
	}
	if includeContent {
		data, _, err := r.blobs.Get(ctx, doc.ObjectKey)
		if err != nil {
			return Document{}, &StepError{Step: StepBlobRead, Err: err}
		}
		doc.Content = data
	}
	return doc, nil
}

func (r *Router) Update(ctx context.Context, callerTenant, id string, req UpdateRequest) (Document, error) {
	doc, err := r.loadDocument(ctx, callerTenant, id)
	if err != nil {
		return Document{}, err
	}
	if filename := strings.TrimSpace(req.Filename); filename != "" {
		doc.Filename = filename
	}
	if contentType := strings.TrimSpace(req.ContentType); contentType != "" {
		doc.ContentType = contentType
	}
	if req.Metadata != nil {
		doc.Metadata = cloneMap(req.Metadata)
	}

	previousKey := doc.ObjectKey
	var content []byte
	contentChanged := false
	switch {
	case len(req.Content) > 0:
		if _, err := r.blobs.Put(ctx, doc.ObjectKey, req.Content, doc.ContentType); err != nil {
			return Document{}, &StepError{Step: StepBlobPut, Err: err}
		}
		content, contentChanged = req.Content, true
	case strings.TrimSpace(req.ObjectKey) != "":
		key := strings.TrimSpace(req.ObjectKey)
		if err := r.ownsObjectKey(id, key); err != nil {
			return Document{}, err
		}
		data, _, err := r.blobs.Get(ctx, key)
		if err != nil {
			return Document{}, &StepError{Step: StepBlobRead, Err: err}
		}
		doc.ObjectKey = key
		content, contentChanged = data, true
	}
	if contentChanged {
		doc.ContentHash = contentHash(content)
		doc.Size = int64(len(content))
	} else {
		data, _, err := r.blobs.Get(ctx, doc.ObjectKey)
		if err != nil {
			return Document{}, &StepError{Step: StepBlobRead, Err: err}
		}
		content = data
	}
	doc.UpdatedAt = r.now().UTC()
	if !req.UpdatedAt.IsZero() {
		doc.UpdatedAt = req.UpdatedAt.UTC()
	}
	doc.TextContent = r.extractor.Extract(doc.ContentType, content)

	rev, err := r.putDocument(ctx, doc)
	if err != nil {
		return Document{}, &StepError{Step: StepDocumentPut, Err: err}
	}
	doc.Rev = rev
	if err := r.index.Update(ctx, toIndexEntry(doc)); err != nil {
		return Document{}, &StepError{Step: StepIndexUpdate, Err: err}
	}
	if previousKey != doc.ObjectKey {
		r.compensate(ctx, "update "+id, func() error { return r.blobs.Delete(ctx, previousKey) })
	}
	return doc, nil
}

// Delete removes the blob, then the document record, then the index row.
// The first failing step aborts the rest.
func (r *Router) Delete(ctx context.Context, callerTenant, id string) (Document, error) {
	doc, err := r.loadDocument(ctx, callerTenant, id)
	if err != nil {
		return Document{}, err
	}
	if err := r.blobs.Delete(ctx, doc.ObjectKey); err != nil {
		return Document{}, &StepError{Step: StepBlobDelete, Err: err}
	}
	if err := r.docs.Delete(ctx, r.database, doc.ID, doc.Rev); err != nil {
		return Document{}, &StepError{Step: StepDocumentDel, Err: err}
	}
	if err := r.index.Delete(ctx, doc.TenantID, doc.ID); err != nil {
		return Document{}, &StepError{Step: StepIndexDelete, Err: err}
	}
	return doc, nil
}

func (r *Router) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	hits, err := r.index.Search(ctx, storage.SearchQuery{
		TenantID: r.tenantID,
		UserID:   r.userID,
		Text:     query,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, SearchResult{Document: fromIndexEntry(hit.Entry), Rank: hit.Rank})
	}
	return out, nil
}

// PresignUpload returns a URL the client can PUT document bytes to, and the
// object key to reference when applying the create.
func (r *Router) PresignUpload(ctx context.Context, id, filename string, ttl time.Duration) (string, string, error) {
	if err := ValidateDocumentID(id); err != nil {
		return "", "", err
	}
	if strings.TrimSpace(filename) == "" {
		return "", "", fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = defaultUploadTTL
	}
	key := r.ObjectKey(id, filename)
	uploadURL, err := r.blobs.PresignURL(ctx, http.MethodPut, key, ttl)
	if err != nil {
		return "", "", err
	}
	return uploadURL, key, nil
}

// ObjectKey is the blob key a document's bytes live under.
func (r *Router) ObjectKey(id, filename string) string {
	return strings.Join([]string{safeSegment(r.tenantID), safeSegment(r.userID), id, safeSegment(path.Base(filename))}, "/")
}

func (r *Router) ownsObjectKey(id, key string) error {
	prefix := strings.Join([]string{safeSegment(r.tenantID), safeSegment(r.userID), id}, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("%w: object key %q does not belong to document %s", ErrUnauthorized, key, id)
	}
	return nil
}

func (r *Router) loadDocument(ctx context.Context, callerTenant, id string) (Document, error) {
	if strings.TrimSpace(id) == "" {
		return Document{}, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	callerTenant = strings.TrimSpace(callerTenant)
	if callerTenant == "" {
		callerTenant = r.tenantID
	}
	record, err := r.docs.Get(ctx, r.database, id)
	if err != nil {
		return Document{}, &StepError{Step: StepDocumentGet, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(record.Body, &doc); err != nil {
		return Document{}, &StepError{Step: StepDocumentGet, Err: err}
	}
	if doc.TenantID != callerTenant {
		return Document{}, fmt.Errorf("%w: document %s belongs to another tenant", ErrUnauthorized, id)
	}
	doc.Rev = record.Rev
	return doc, nil
}

func (r *Router) putDocument(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return r.docs.Put(ctx, r.database, storage.DocRecord{ID: doc.ID, Rev: doc.Rev, Body: body})
}

func (r *Router) compensate(ctx context.Context, what string, undo func() error) {
	if err := undo(); err != nil && r.logger != nil {
		r.logger.Printf("router %s: compensation for %s failed: %v", r.namespaceID, what, err)
	}
}

// NewDocumentID returns "doc_" followed by 128 random bits in hex.
func NewDocumentID() (string, error) {
	buf := make([]byte, documentIDEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "doc_" + hex.EncodeToString(buf), nil
}

func ValidateDocumentID(id string) error {
	if len(id) < 8 || len(id) > 128 {
		return fmt.Errorf("%w: document id %q", ErrInvalidInput, id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("%w: document id %q", ErrInvalidInput, id)
		}
	}
	return nil
}

func toIndexEntry(doc Document) storage.IndexEntry {
	return storage.IndexEntry{
		ID:          doc.ID,
		TenantID:    doc.TenantID,
		UserID:      doc.UserID,
		NamespaceID: doc.NamespaceID,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		ObjectKey:   doc.ObjectKey,
		ContentHash: doc.ContentHash,
		Size:        doc.Size,
		Status:      doc.Status,
		TextContent: doc.TextContent,
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func fromIndexEntry(entry storage.IndexEntry) Document {
	return Document{
		ID:          entry.ID,
		TenantID:    entry.TenantID,
		UserID:      entry.UserID,
		NamespaceID: entry.NamespaceID,
		Filename:    entry.Filename,
		ContentType: entry.ContentType,
		ObjectKey:   entry.ObjectKey,
		ContentHash: entry.ContentHash,
		Size:        entry.Size,
		Status:      entry.Status,
		TextContent: entry.TextContent,
		Metadata:    entry.Metadata,
		CreatedAt:   entry.CreatedAt,
		UpdatedAt:   entry.UpdatedAt,
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func safeSegment(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '/', '\\', 0:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return map[string]any{}
	}
	return out
}
