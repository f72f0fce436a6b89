package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alemhq/alem/internal/syncengine"
)

type tickClock struct {
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestStore(t *testing.T) (*Store, *tickClock) {
	t.Helper()
	clock := &tickClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := Open(filepath.Join(t.TempDir(), "nested", "alem.db"), Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alem.db")
	store, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = store.CreateDocument(context.Background(), NewDocument{UserID: "u1", Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	docs, err := reopened.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)

	_, err = Open(" ", Options{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateDocumentDefaults(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	doc, err := store.CreateDocument(ctx, NewDocument{
		UserID:      "u1",
		Filename:    "notes.md",
		ContentType: "text/markdown",
		TextContent: "quarterly budget review",
		Metadata:    map[string]any{"source": "import"},
		Tags:        []string{"work"},
	})
	require.NoError(t, err)
	require.Contains(t, doc.ID, "doc_")
	require.Equal(t, DefaultTenantID, doc.TenantID)
	require.Equal(t, StatusLocal, doc.Status)
	require.EqualValues(t, 1, doc.LocalVersion)
	require.Zero(t, doc.ServerVersion)
	require.True(t, doc.NeedsUpload)
	require.False(t, doc.IsSynced)
	require.True(t, doc.NeedsSync())
	require.Equal(t, "import", doc.Metadata["source"])
	require.Equal(t, []string{"work"}, doc.Tags)

	_, err = store.CreateDocument(ctx, NewDocument{UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.CreateDocument(ctx, NewDocument{Filename: "a.txt"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.GetDocument(ctx, "doc_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBumpsLocalVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	doc, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, doc.ID, "objects/a"))

	synced, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.False(t, synced.NeedsSync())
	require.Equal(t, StatusSynced, synced.Status)
	require.Equal(t, "objects/a", synced.ObjectKey)
	require.False(t, synced.LastSyncedAt.IsZero())

	name := "b.txt"
	updated, err := store.UpdateDocument(ctx, doc.ID, DocumentPatch{Filename: &name, Tags: []string{"x"}})
	require.NoError(t, err)
	require.Equal(t, "b.txt", updated.Filename)
	require.EqualValues(t, 2, updated.LocalVersion)
	require.EqualValues(t, 1, updated.ServerVersion)
	require.True(t, updated.NeedsUpload)
	require.False(t, updated.IsSynced)
	require.True(t, updated.NeedsSync())
	require.Equal(t, "objects/a", updated.ObjectKey)

	empty := " "
	_, err = store.UpdateDocument(ctx, doc.ID, DocumentPatch{Filename: &empty})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	doc, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "a.txt", TextContent: "alpha"})
	require.NoError(t, err)

	deleted, err := store.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, deleted.Status)

	// The row stays but is hidden from listings and search.
	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, got.Status)
	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
	hits, err := store.SearchDocuments(ctx, "alpha", 0)
	require.NoError(t, err)
	require.Empty(t, hits)

	_, err = store.DeleteDocument(ctx, doc.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.UpdateDocument(ctx, doc.ID, DocumentPatch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchDocumentsFullText(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	budget, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "budget.txt", TextContent: "quarterly budget for the platform team"})
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "notes.txt", TextContent: "meeting notes"})
	require.NoError(t, err)

	hits, err := store.SearchDocuments(ctx, "quart platf", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, budget.ID, hits[0].ID)

	// Quotes in user input never reach the FTS query parser.
	hits, err = store.SearchDocuments(ctx, `"notes`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	text := "renamed content"
	_, err = store.UpdateDocument(ctx, budget.ID, DocumentPatch{TextContent: &text})
	require.NoError(t, err)
	hits, err = store.SearchDocuments(ctx, "quarterly", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
	hits, err = store.SearchDocuments(ctx, "renamed", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = store.SearchDocuments(ctx, "  ", 10)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPendingUploads(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	a, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "a.txt"})
	require.NoError(t, err)
	b, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "b.txt"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, a.ID, ""))

	pending, err := store.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, b.ID, pending[0].ID)

	require.ErrorIs(t, store.MarkSynced(ctx, "doc_missing", ""), ErrNotFound)
	require.NoError(t, store.MarkSyncError(ctx, b.ID, "upload failed"))
	got, err := store.GetDocument(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "upload failed", got.SyncError)
}

func TestApplyRemoteCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	applied, err := store.ApplyRemote(ctx, syncengine.Change{
		ID:        "doc_r1",
		Type:      syncengine.ChangeDocumentCreated,
		Timestamp: at,
		Data: map[string]any{
			"id":           "doc_r1",
			"user_id":      "u1",
			"filename":     "remote.pdf",
			"content_type": "application/pdf",
			"content_hash": "h1",
			"object_key":   "objects/doc_r1",
			"size":         float64(2048),
			"metadata":     map[string]any{"pages": float64(3)},
		},
	})
	require.NoError(t, err)
	require.True(t, applied)

	doc, err := store.GetDocument(ctx, "doc_r1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, doc.Status)
	require.True(t, doc.IsSynced)
	require.True(t, doc.NeedsDownload)
	require.False(t, doc.NeedsUpload)
	require.EqualValues(t, 2048, doc.FileSize)
	require.Equal(t, "objects/doc_r1", doc.ObjectKey)
	require.EqualValues(t, 3, doc.Metadata["pages"])

	applied, err = store.ApplyRemote(ctx, syncengine.Change{
		ID:        "doc_r1",
		Type:      syncengine.ChangeDocumentUpdated,
		Timestamp: at.Add(time.Hour),
		Data:      map[string]any{"id": "doc_r1", "filename": "renamed.pdf", "content_hash": "h1"},
	})
	require.NoError(t, err)
	require.True(t, applied)
	doc, err = store.GetDocument(ctx, "doc_r1")
	require.NoError(t, err)
	require.Equal(t, "renamed.pdf", doc.Filename)
	require.EqualValues(t, 2048, doc.FileSize)
	require.EqualValues(t, 2, doc.ServerVersion)
	require.Equal(t, doc.ServerVersion, doc.LocalVersion)
}

func TestApplyRemoteKeepsNewerLocalEdits(t *testing.T) {
	ctx := context.Background()
	store, clock := openTestStore(t)

	doc, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "local.txt"})
	require.NoError(t, err)

	older := clock.now.Add(-time.Hour)
	applied, err := store.ApplyRemote(ctx, syncengine.Change{
		ID:        doc.ID,
		Type:      syncengine.ChangeDocumentUpdated,
		Timestamp: older,
		Data:      map[string]any{"id": doc.ID, "filename": "server.txt"},
	})
	require.NoError(t, err)
	require.False(t, applied)
	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "local.txt", got.Filename)
	require.True(t, got.NeedsUpload)

	applied, err = store.ApplyRemote(ctx, syncengine.Change{
		ID:        doc.ID,
		Type:      syncengine.ChangeDocumentDeleted,
		Timestamp: older,
		Data:      map[string]any{"id": doc.ID, "deleted": true},
	})
	require.NoError(t, err)
	require.False(t, applied)

	newer := clock.now.Add(time.Hour)
	applied, err = store.ApplyRemote(ctx, syncengine.Change{
		ID:        doc.ID,
		Type:      syncengine.ChangeDocumentUpdated,
		Timestamp: newer,
		Data:      map[string]any{"id": doc.ID, "filename": "server.txt", "updated_at": newer.Format(time.RFC3339Nano)},
	})
	require.NoError(t, err)
	require.True(t, applied)
	got, err = store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "server.txt", got.Filename)
	require.False(t, got.NeedsSync())
}

func TestApplyRemoteDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	doc, err := store.CreateDocument(ctx, NewDocument{UserID: "u1", Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, doc.ID, ""))

	change := syncengine.Change{
		ID:        doc.ID,
		Type:      syncengine.ChangeDocumentDeleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"id": doc.ID, "deleted": true},
	}
	applied, err := store.ApplyRemote(ctx, change)
	require.NoError(t, err)
	require.True(t, applied)
	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, got.Status)

	applied, err = store.ApplyRemote(ctx, change)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = store.ApplyRemote(ctx, syncengine.Change{ID: "doc_unknown", Type: syncengine.ChangeDocumentDeleted})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApplyRemoteNamespaceMirrorsIdentity(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	require.NoError(t, store.SaveIdentity(ctx, Identity{UserID: "u1", ServerURL: "http://server"}))

	applied, err := store.ApplyRemote(ctx, syncengine.Change{
		ID:   "u1",
		Type: syncengine.ChangeNamespaceUpdated,
		Data: map[string]any{
			"did":    "did:key:z6Mk",
			"config": map[string]any{"profile": map[string]any{"name": "Ada"}},
		},
	})
	require.NoError(t, err)
	require.True(t, applied)

	identity, err := store.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", identity.UserID)
	require.Equal(t, "did:key:z6Mk", identity.DID)
	require.Equal(t, "Ada", identity.Profile["name"])

	applied, err = store.ApplyRemote(ctx, syncengine.Change{ID: "x", Type: "something_else"})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, ok, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	require.NoError(t, store.SetCursor(ctx, at))
	got, ok, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, at.Equal(got))

	// Saving the identity leaves the cursor alone.
	require.NoError(t, store.SaveIdentity(ctx, Identity{UserID: "u1"}))
	got, _, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, at.Equal(got))

	identity, err := store.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultTenantID, identity.TenantID)
}
