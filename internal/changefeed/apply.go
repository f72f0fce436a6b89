package changefeed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alemhq/alem/internal/namespace"
	"github.com/alemhq/alem/internal/router"
)

const (
	ResultApplied = "applied"
	ResultFailed  = "failed"

	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeDeleted   = "deleted"
	OutcomeUnchanged = "unchanged"
	OutcomeAbsent    = "absent"
)

type IncomingChange struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type ApplyRequest struct {
	Changes []IncomingChange `json:"changes"`
}

type ApplyResult struct {
	ChangeID string         `json:"change_id"`
	Status   string         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type ApplyResponse struct {
	Results      []ApplyResult `json:"results"`
	AppliedCount int           `json:"applied_count"`
	FailedCount  int           `json:"failed_count"`
}

// Apply runs every change independently; one failure never blocks the rest.
func (f *Feed) Apply(ctx context.Context, caller Caller, changes []IncomingChange) (ApplyResponse, error) {
	if f.namespaces == nil {
		return ApplyResponse{}, fmt.Errorf("%w: change feed has no namespace manager", ErrInvalidInput)
	}
	if strings.TrimSpace(caller.UserID) == "" || strings.TrimSpace(caller.TenantID) == "" {
		return ApplyResponse{}, fmt.Errorf("%w: caller identity is required", ErrInvalidInput)
	}
	if caller.NamespaceID == "" {
		caller.NamespaceID = caller.UserID
	}
	resp := ApplyResponse{Results: make([]ApplyResult, 0, len(changes))}
	for _, change := range changes {
		result, err := f.applyOne(ctx, caller, change)
		if err != nil {
			f.logf("apply %s %s for %s failed: %v", change.Type, change.ID, caller.UserID, err)
			resp.Results = append(resp.Results, ApplyResult{ChangeID: change.ID, Status: ResultFailed, Error: err.Error()})
			resp.FailedCount++
			continue
		}
		resp.Results = append(resp.Results, ApplyResult{ChangeID: change.ID, Status: ResultApplied, Result: result})
		resp.AppliedCount++
	}
	return resp, nil
}

func (f *Feed) applyOne(ctx context.Context, caller Caller, change IncomingChange) (map[string]any, error) {
	if !f.validator.supports(change.Type) {
		return nil, fmt.Errorf("%w: unsupported change type %q", ErrInvalidInput, change.Type)
	}
	if err := f.validator.validate(change.Type, change.Data); err != nil {
		return nil, err
	}
	if owner := stringField(change.Data, "user_id"); owner != "" && owner != caller.UserID {
		return nil, fmt.Errorf("%w: change for user %s submitted by %s", ErrUnauthorized, owner, caller.UserID)
	}
	switch change.Type {
	case OpCreateDocument:
		return f.createDocument(ctx, caller, change.Data)
	case OpUpdateDocument:
		return f.updateDocument(ctx, caller, change.Data)
	case OpDeleteDocument:
		return f.deleteDocument(ctx, caller, change.Data)
	case OpCreateDID:
		return f.createDID(ctx, caller, change.Data)
	case OpUpdateProfile:
		return f.updateProfile(ctx, caller, change.Data)
	case OpCreateNamespace:
		return f.createNamespace(ctx, caller, change.Data)
	default:
		return nil, fmt.Errorf("%w: unsupported change type %q", ErrInvalidInput, change.Type)
	}
}

// createDocument ingests a new document. A document that already exists is
// resolved last-writer-wins on updated_at.
func (f *Feed) createDocument(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	content, err := contentField(data)
	if err != nil {
		return nil, err
	}
	updatedAt, err := timeField(data, "updated_at")
	if err != nil {
		return nil, err
	}
	id := stringField(data, "id")
	var (
		doc      router.Document
		outcome  string
		previous int64
	)
	err = f.namespaces.Do(ctx, caller.NamespaceID, func(ctx context.Context, r *router.Router) error {
		if id != "" {
			existing, getErr := r.Get(ctx, caller.TenantID, id, false)
			switch {
			case getErr == nil:
				if existing.UserID != caller.UserID {
					return fmt.Errorf("%w: document %s belongs to another user", ErrUnauthorized, id)
				}
				if !updatedAt.After(existing.UpdatedAt) {
					doc, outcome = existing, OutcomeUnchanged
					return nil
				}
				previous = existing.Size
				doc, getErr = r.Update(ctx, caller.TenantID, id, updateRequest(data, content, updatedAt))
				outcome = OutcomeUpdated
				return getErr
			case !errors.Is(getErr, router.ErrNotFound):
				return getErr
			}
		}
		var ingestErr error
		doc, ingestErr = r.Ingest(ctx, router.IngestRequest{
			ID:          id,
			Filename:    stringField(data, "filename"),
			ContentType: stringField(data, "content_type"),
			Content:     content,
			ObjectKey:   stringField(data, "object_key"),
			Metadata:    mapField(data, "metadata"),
			UpdatedAt:   updatedAt,
		})
		outcome = OutcomeCreated
		return ingestErr
	})
	if err != nil {
		return nil, err
	}
	switch outcome {
	case OutcomeCreated:
		f.namespaces.RecordUsage(caller.NamespaceID, 1, doc.Size)
		f.notify(caller.UserID, Change{ID: doc.ID, Type: TypeDocumentCreated, Timestamp: doc.UpdatedAt, Data: toMap(doc)})
	case OutcomeUpdated:
		f.namespaces.RecordUsage(caller.NamespaceID, 0, doc.Size-previous)
		f.notify(caller.UserID, Change{ID: doc.ID, Type: TypeDocumentUpdated, Timestamp: doc.UpdatedAt, Data: toMap(doc)})
	}
	return documentResult(doc, outcome), nil
}

// updateDocument changes an existing document owned by the caller. An update
// older than the stored record is ignored.
func (f *Feed) updateDocument(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	content, err := contentField(data)
	if err != nil {
		return nil, err
	}
	updatedAt, err := timeField(data, "updated_at")
	if err != nil {
		return nil, err
	}
	id := stringField(data, "id")
	var (
		doc      router.Document
		outcome  = OutcomeUpdated
		previous int64
	)
	err = f.namespaces.Do(ctx, caller.NamespaceID, func(ctx context.Context, r *router.Router) error {
		existing, err := r.Get(ctx, caller.TenantID, id, false)
		if err != nil {
			return err
		}
		if existing.UserID != caller.UserID {
			return fmt.Errorf("%w: document %s belongs to another user", ErrUnauthorized, id)
		}
		if !updatedAt.IsZero() && !updatedAt.After(existing.UpdatedAt) {
			doc, outcome = existing, OutcomeUnchanged
			return nil
		}
		previous = existing.Size
		doc, err = r.Update(ctx, caller.TenantID, id, updateRequest(data, content, updatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeUpdated {
		f.namespaces.RecordUsage(caller.NamespaceID, 0, doc.Size-previous)
		f.notify(caller.UserID, Change{ID: doc.ID, Type: TypeDocumentUpdated, Timestamp: doc.UpdatedAt, Data: toMap(doc)})
	}
	return documentResult(doc, outcome), nil
}

// deleteDocument removes a document owned by the caller. Deleting a document
// that is already gone succeeds so retried deletes stay idempotent.
func (f *Feed) deleteDocument(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	id := stringField(data, "id")
	var doc router.Document
	err := f.namespaces.Do(ctx, caller.NamespaceID, func(ctx context.Context, r *router.Router) error {
		existing, err := r.Get(ctx, caller.TenantID, id, false)
		if err != nil {
			return err
		}
		if existing.UserID != caller.UserID {
			return fmt.Errorf("%w: document %s belongs to another user", ErrUnauthorized, id)
		}
		doc, err = r.Delete(ctx, caller.TenantID, id)
		return err
	})
	if errors.Is(err, router.ErrNotFound) {
		return map[string]any{"id": id, "outcome": OutcomeAbsent}, nil
	}
	if err != nil {
		return nil, err
	}
	f.namespaces.RecordUsage(caller.NamespaceID, -1, -doc.Size)
	f.notify(caller.UserID, Change{ID: id, Type: TypeDocumentDeleted, Timestamp: f.now().UTC(), Data: map[string]any{"id": id, "user_id": caller.UserID, "deleted": true}})
	return map[string]any{"id": id, "outcome": OutcomeDeleted}, nil
}

// createDID links a DID to the caller's namespace.
func (f *Feed) createDID(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	record, err := f.namespaces.Record(ctx, caller.NamespaceID)
	if err != nil {
		return nil, err
	}
	record, err = f.namespaces.Start(ctx, namespace.StartRequest{
		ID:       record.ID,
		TenantID: record.TenantID,
		DID:      stringField(data, "did"),
		Exact:    true,
	})
	if err != nil {
		return nil, err
	}
	f.notify(caller.UserID, namespaceChange(record))
	return map[string]any{"namespace_id": record.ID, "did": record.DID, "identity_type": record.IdentityType}, nil
}

// updateProfile deep-merges data.profile into the namespace config's profile.
func (f *Feed) updateProfile(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	config, err := f.namespaces.UpdateConfig(ctx, caller.NamespaceID, map[string]any{"profile": mapField(data, "profile")})
	if err != nil {
		return nil, err
	}
	if record, err := f.namespaces.Record(ctx, caller.NamespaceID); err == nil {
		f.notify(caller.UserID, namespaceChange(record))
	}
	return map[string]any{"namespace_id": caller.NamespaceID, "profile": config["profile"]}, nil
}

// createNamespace starts (or merges into) the caller's own namespace.
func (f *Feed) createNamespace(ctx context.Context, caller Caller, data map[string]any) (map[string]any, error) {
	id := stringField(data, "id")
	if id == "" {
		id = caller.NamespaceID
	}
	if id != caller.NamespaceID && id != caller.UserID {
		return nil, fmt.Errorf("%w: namespace %s does not belong to %s", ErrUnauthorized, id, caller.UserID)
	}
	record, err := f.namespaces.Start(ctx, namespace.StartRequest{
		ID:                id,
		TenantID:          caller.TenantID,
		Config:            mapField(data, "config"),
		DID:               stringField(data, "did"),
		ExternalAccountID: stringField(data, "external_account_id"),
		Exact:             true,
	})
	if err != nil {
		return nil, err
	}
	f.notify(caller.UserID, namespaceChange(record))
	return map[string]any{"namespace_id": record.ID, "identity_type": record.IdentityType, "status": string(record.Status)}, nil
}

func updateRequest(data map[string]any, content []byte, updatedAt time.Time) router.UpdateRequest {
	return router.UpdateRequest{
		Filename:    stringField(data, "filename"),
		ContentType: stringField(data, "content_type"),
		Content:     content,
		ObjectKey:   stringField(data, "object_key"),
		Metadata:    mapField(data, "metadata"),
		UpdatedAt:   updatedAt,
	}
}

func documentResult(doc router.Document, outcome string) map[string]any {
	return map[string]any{
		"id":           doc.ID,
		"outcome":      outcome,
		"content_hash": doc.ContentHash,
		"size":         doc.Size,
		"updated_at":   doc.UpdatedAt,
	}
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return strings.TrimSpace(value)
}

func mapField(data map[string]any, key string) map[string]any {
	value, _ := data[key].(map[string]any)
	return value
}

func timeField(data map[string]any, key string) (time.Time, error) {
	raw := stringField(data, key)
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, key, err)
	}
	return parsed.UTC(), nil
}

// contentField accepts inline text or base64 bytes; both may be absent when
// the change references an uploaded object.
func contentField(data map[string]any) ([]byte, error) {
	if raw, ok := data["content_base64"].(string); ok && raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: content_base64: %v", ErrInvalidInput, err)
		}
		return decoded, nil
	}
	if raw, ok := data["content"].(string); ok && raw != "" {
		return []byte(raw), nil
	}
	return nil, nil
}
