package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alemhq/alem/internal/syncengine"
)

// Document is the client-side projection of a server document plus its
// local sync bookkeeping.
type Document struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	TenantID        string         `json:"tenant_id"`
	Filename        string         `json:"filename"`
	ContentType     string         `json:"content_type"`
	FileSize        int64          `json:"file_size"`
	ContentHash     string         `json:"content_hash"`
	LocalPath       string         `json:"local_path"`
	IsCachedLocally bool           `json:"is_cached_locally"`
	ObjectKey       string         `json:"object_key"`
	TextContent     string         `json:"text_content"`
	Metadata        map[string]any `json:"metadata"`
	Tags            []string       `json:"tags"`
	Status          string         `json:"status"`
	LocalVersion    int64          `json:"local_version"`
	ServerVersion   int64          `json:"server_version"`
	IsSynced        bool           `json:"is_synced"`
	NeedsUpload     bool           `json:"needs_upload"`
	NeedsDownload   bool           `json:"needs_download"`
	SyncError       string         `json:"sync_error,omitempty"`
	LastSyncedAt    time.Time      `json:"last_synced_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NeedsSync reports whether the local row differs from what the server has.
func (d Document) NeedsSync() bool {
	return !d.IsSynced || d.LocalVersion != d.ServerVersion || d.NeedsUpload || d.NeedsDownload
}

type NewDocument struct {
	// ID is optional; a fresh id is generated when empty.
	ID          string
	UserID      string
	TenantID    string
	Filename    string
	ContentType string
	FileSize    int64
	ContentHash string
	LocalPath   string
	TextContent string
	Metadata    map[string]any
	Tags        []string
}

type DocumentPatch struct {
	Filename    *string
	TextContent *string
	ContentHash *string
	FileSize    *int64
	Metadata    map[string]any
	Tags        []string
}

const documentColumns = `id, user_id, tenant_id, filename, content_type, file_size, content_hash,
	local_path, is_cached_locally, object_key, text_content, metadata, tags, status,
	local_version, server_version, is_synced, needs_upload, needs_download,
	sync_error, last_synced_at, created_at, updated_at`

// NewDocumentID returns an id the server accepts for client-created documents.
func NewDocumentID() string {
	return "doc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Store) CreateDocument(ctx context.Context, in NewDocument) (Document, error) {
	if strings.TrimSpace(in.Filename) == "" {
		return Document{}, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return Document{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = NewDocumentID()
	}
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	metadata, err := encodeJSON(in.Metadata, "{}")
	if err != nil {
		return Document{}, err
	}
	tags, err := encodeJSON(in.Tags, "[]")
	if err != nil {
		return Document{}, err
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (
	id, user_id, tenant_id, filename, content_type, file_size, content_hash,
	local_path, is_cached_locally, text_content, metadata, tags, status,
	needs_upload, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, in.UserID, tenantID, in.Filename, in.ContentType, in.FileSize, in.ContentHash,
		in.LocalPath, boolInt(in.LocalPath != ""), in.TextContent, metadata, tags, StatusLocal,
		now, now,
	)
	if err != nil {
		return Document{}, err
	}
	return s.GetDocument(ctx, id)
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return doc, err
}

// ListDocuments returns every document that is not soft-deleted, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE status != ? ORDER BY created_at DESC", StatusDeleted)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

// DocumentByLocalPath finds the live document imported from path.
func (s *Store) DocumentByLocalPath(ctx context.Context, path string) (Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE local_path = ? AND status != ? ORDER BY created_at DESC LIMIT 1", path, StatusDeleted)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: document for %s", ErrNotFound, path)
	}
	return doc, err
}

// PendingUploads lists documents with local changes the server has not seen.
func (s *Store) PendingUploads(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE needs_upload = 1 AND status != ? ORDER BY updated_at ASC", StatusDeleted)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

// SearchDocuments runs a full-text query over filenames and extracted text.
// Each whitespace separated term is matched as a prefix and all terms must
// match.
func (s *Store) SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixColumns("d.", documentColumns)+`
FROM documents_fts
JOIN documents d ON d.id = documents_fts.id
WHERE documents_fts MATCH ? AND d.status != ?
ORDER BY documents_fts.rank
LIMIT ?`, match, StatusDeleted, limit)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

// UpdateDocument applies a local edit and bumps the local version so the next
// push uploads it.
func (s *Store) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (Document, error) {
	current, err := s.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if current.Status == StatusDeleted {
		return Document{}, fmt.Errorf("%w: document %s is deleted", ErrNotFound, id)
	}
	if patch.Filename != nil {
		if strings.TrimSpace(*patch.Filename) == "" {
			return Document{}, fmt.Errorf("%w: filename is required", ErrInvalidInput)
		}
		current.Filename = *patch.Filename
	}
	if patch.TextContent != nil {
		current.TextContent = *patch.TextContent
	}
	if patch.ContentHash != nil {
		current.ContentHash = *patch.ContentHash
	}
	if patch.FileSize != nil {
		current.FileSize = *patch.FileSize
	}
	if patch.Metadata != nil {
		current.Metadata = patch.Metadata
	}
	if patch.Tags != nil {
		current.Tags = patch.Tags
	}
	metadata, err := encodeJSON(current.Metadata, "{}")
	if err != nil {
		return Document{}, err
	}
	tags, err := encodeJSON(current.Tags, "[]")
	if err != nil {
		return Document{}, err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE documents SET
	filename = ?, text_content = ?, content_hash = ?, file_size = ?, metadata = ?, tags = ?,
	local_version = local_version + 1, needs_upload = 1, is_synced = 0,
	status = ?, updated_at = ?
WHERE id = ?`,
		current.Filename, current.TextContent, current.ContentHash, current.FileSize, metadata, tags,
		StatusLocal, s.timestamp(), id,
	)
	if err != nil {
		return Document{}, err
	}
	return s.GetDocument(ctx, id)
}

// DeleteDocument soft-deletes the row; documents are never removed physically.
func (s *Store) DeleteDocument(ctx context.Context, id string) (Document, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE documents SET status = ?, is_synced = 0, updated_at = ? WHERE id = ? AND status != ?`,
		StatusDeleted, s.timestamp(), id, StatusDeleted,
	)
	if err != nil {
		return Document{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Document{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return s.GetDocument(ctx, id)
}

// MarkSynced records a successful push of the document.
func (s *Store) MarkSynced(ctx context.Context, id, objectKey string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
UPDATE documents SET
	object_key = CASE WHEN ? != '' THEN ? ELSE object_key END,
	status = CASE WHEN status = ? THEN status ELSE ? END,
	server_version = local_version, is_synced = 1, needs_upload = 0,
	sync_error = '', last_synced_at = ?
WHERE id = ?`,
		objectKey, objectKey, StatusDeleted, StatusSynced, now, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) MarkSyncError(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE documents SET sync_error = ? WHERE id = ?", message, id)
	return err
}

// ApplyRemote writes one server change into the local projection. A local
// row with unpushed edits newer than the change wins and the change is
// skipped. applied reports whether the row changed.
func (s *Store) ApplyRemote(ctx context.Context, change syncengine.Change) (bool, error) {
	switch change.Type {
	case syncengine.ChangeDocumentCreated, syncengine.ChangeDocumentUpdated:
		return s.applyRemoteUpsert(ctx, change)
	case syncengine.ChangeDocumentDeleted:
		return s.applyRemoteDelete(ctx, change)
	case syncengine.ChangeNamespaceUpdated:
		return s.applyRemoteNamespace(ctx, change)
	default:
		return false, nil
	}
}

func (s *Store) applyRemoteUpsert(ctx context.Context, change syncengine.Change) (bool, error) {
	id := stringField(change.Data, "id")
	if id == "" {
		id = change.ID
	}
	if id == "" {
		return false, fmt.Errorf("%w: remote change without document id", ErrInvalidInput)
	}
	remoteAt := changeTime(change)
	metadata, err := encodeJSON(change.Data["metadata"], "{}")
	if err != nil {
		return false, err
	}
	current, err := s.GetDocument(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		tenantID := stringField(change.Data, "tenant_id")
		if tenantID == "" {
			tenantID = DefaultTenantID
		}
		now := s.timestamp()
		_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (
	id, user_id, tenant_id, filename, content_type, file_size, content_hash, object_key,
	text_content, metadata, status, local_version, server_version, is_synced, needs_upload,
	needs_download, last_synced_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, 1, 0, 1, ?, ?, ?)`,
			id, stringField(change.Data, "user_id"), tenantID, stringField(change.Data, "filename"),
			stringField(change.Data, "content_type"), intField(change.Data, "size"),
			stringField(change.Data, "content_hash"), stringField(change.Data, "object_key"),
			stringField(change.Data, "text_content"), metadata, StatusSynced, now, now, formatTime(remoteAt),
		)
		if err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}
	if hasLocalEdits(current) && current.UpdatedAt.After(remoteAt) {
		return false, nil
	}
	if _, ok := change.Data["metadata"]; !ok {
		if metadata, err = encodeJSON(current.Metadata, "{}"); err != nil {
			return false, err
		}
	}
	size := current.FileSize
	if _, ok := change.Data["size"]; ok {
		size = intField(change.Data, "size")
	}
	contentHash := stringField(change.Data, "content_hash")
	contentChanged := contentHash != "" && contentHash != current.ContentHash
	needsDownload := current.NeedsDownload || contentChanged
	text := current.TextContent
	if _, ok := change.Data["text_content"]; ok {
		text = stringField(change.Data, "text_content")
	} else if contentChanged {
		text = ""
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE documents SET
	filename = ?, content_type = ?, file_size = ?, content_hash = ?, object_key = ?,
	text_content = ?, metadata = ?,
	status = ?, server_version = server_version + 1, local_version = server_version + 1,
	is_synced = 1, needs_upload = 0, needs_download = ?, sync_error = '',
	last_synced_at = ?, updated_at = ?
WHERE id = ?`,
		firstNonEmpty(stringField(change.Data, "filename"), current.Filename),
		firstNonEmpty(stringField(change.Data, "content_type"), current.ContentType),
		size,
		firstNonEmpty(contentHash, current.ContentHash),
		firstNonEmpty(stringField(change.Data, "object_key"), current.ObjectKey),
		text, metadata, StatusSynced, boolInt(needsDownload),
		s.timestamp(), formatTime(remoteAt), id,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) applyRemoteDelete(ctx context.Context, change syncengine.Change) (bool, error) {
	id := stringField(change.Data, "id")
	if id == "" {
		id = change.ID
	}
	current, err := s.GetDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status == StatusDeleted {
		return false, nil
	}
	if hasLocalEdits(current) && current.UpdatedAt.After(changeTime(change)) {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE documents SET status = ?, is_synced = 1, needs_upload = 0, needs_download = 0,
	last_synced_at = ?, updated_at = ?
WHERE id = ?`,
		StatusDeleted, s.timestamp(), formatTime(changeTime(change)), id,
	)
	return err == nil, err
}

// applyRemoteNamespace mirrors the account's DID and profile locally.
func (s *Store) applyRemoteNamespace(ctx context.Context, change syncengine.Change) (bool, error) {
	identity, err := s.Identity(ctx)
	if err != nil {
		return false, err
	}
	changed := false
	if did := stringField(change.Data, "did"); did != "" && did != identity.DID {
		identity.DID = did
		changed = true
	}
	if config, ok := change.Data["config"].(map[string]any); ok {
		if profile, ok := config["profile"].(map[string]any); ok {
			identity.Profile = profile
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	return true, s.SaveIdentity(ctx, identity)
}

func hasLocalEdits(doc Document) bool {
	return doc.NeedsUpload || !doc.IsSynced
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc                              Document
		cached, synced, upload, download int
		metadata, tags                   string
		lastSynced, createdAt, updatedAt string
	)
	err := row.Scan(
		&doc.ID, &doc.UserID, &doc.TenantID, &doc.Filename, &doc.ContentType, &doc.FileSize, &doc.ContentHash,
		&doc.LocalPath, &cached, &doc.ObjectKey, &doc.TextContent, &metadata, &tags, &doc.Status,
		&doc.LocalVersion, &doc.ServerVersion, &synced, &upload, &download,
		&doc.SyncError, &lastSynced, &createdAt, &updatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	doc.IsCachedLocally = cached != 0
	doc.IsSynced = synced != 0
	doc.NeedsUpload = upload != 0
	doc.NeedsDownload = download != 0
	doc.Metadata = decodeObject(metadata)
	doc.Tags = []string{}
	_ = json.Unmarshal([]byte(tags), &doc.Tags)
	doc.LastSyncedAt = parseTime(lastSynced)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

// ftsQuery quotes each term so user input never reaches FTS5 query syntax.
func ftsQuery(raw string) string {
	terms := strings.Fields(raw)
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if term == "" {
			continue
		}
		out = append(out, `"`+term+`"*`)
	}
	return strings.Join(out, " ")
}

func changeTime(change syncengine.Change) time.Time {
	if raw := stringField(change.Data, "updated_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	if !change.Timestamp.IsZero() {
		return change.Timestamp.UTC()
	}
	return time.Now().UTC()
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return strings.TrimSpace(value)
}

func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
