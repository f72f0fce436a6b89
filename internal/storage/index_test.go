package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedEntry(id, tenant, user, filename, text string, at time.Time) IndexEntry {
	return IndexEntry{
		ID:          id,
		TenantID:    tenant,
		UserID:      user,
		Filename:    filename,
		ContentType: "text/plain",
		ObjectKey:   tenant + "/" + user + "/" + id + "/" + filename,
		Status:      "completed",
		TextContent: text,
		Metadata:    map[string]any{"source": "test"},
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestMemoryIndexInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entry := seedEntry("doc_1", "t1", "u1", "a.txt", "alpha", base)
	require.NoError(t, index.Insert(ctx, entry))
	require.ErrorIs(t, index.Insert(ctx, entry), ErrConflict)

	entry.Filename = "renamed.txt"
	entry.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, index.Update(ctx, entry))

	got, err := index.Get(ctx, "t1", "doc_1")
	require.NoError(t, err)
	require.Equal(t, "renamed.txt", got.Filename)

	_, err = index.Get(ctx, "t2", "doc_1")
	require.ErrorIs(t, err, ErrNotFound)

	missing := seedEntry("doc_9", "t1", "u1", "x", "", base)
	require.ErrorIs(t, index.Update(ctx, missing), ErrNotFound)

	require.NoError(t, index.Delete(ctx, "t1", "doc_1"))
	require.NoError(t, index.Delete(ctx, "t1", "doc_1"))
	_, err = index.Get(ctx, "t1", "doc_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIndexListIsTenantScopedAndPaged(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"doc_1", "doc_2", "doc_3"} {
		require.NoError(t, index.Insert(ctx, seedEntry(id, "t1", "u1", id+".txt", "", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, index.Insert(ctx, seedEntry("doc_x", "t2", "u1", "x.txt", "", base)))

	page, err := index.List(ctx, ListQuery{TenantID: "t1", UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "doc_3", page[0].ID)
	require.Equal(t, "doc_2", page[1].ID)

	page, err = index.List(ctx, ListQuery{TenantID: "t1", UserID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "doc_1", page[0].ID)

	page, err = index.List(ctx, ListQuery{TenantID: "t1", UserID: "u1", Offset: 10})
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestMemoryIndexSearchRanksFilenameHitsFirst(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, index.Insert(ctx, seedEntry("doc_body", "t1", "u1", "notes.txt", "quarterly budget review", base)))
	require.NoError(t, index.Insert(ctx, seedEntry("doc_name", "t1", "u1", "budget.xlsx", "numbers", base)))
	require.NoError(t, index.Insert(ctx, seedEntry("doc_other", "t1", "u1", "misc.txt", "nothing relevant", base)))
	require.NoError(t, index.Insert(ctx, seedEntry("doc_foreign", "t2", "u9", "budget.txt", "budget", base)))

	hits, err := index.Search(ctx, SearchQuery{TenantID: "t1", UserID: "u1", Text: "budget"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "doc_name", hits[0].Entry.ID)
	require.Equal(t, "doc_body", hits[1].Entry.ID)
	require.Greater(t, hits[0].Rank, hits[1].Rank)

	hits, err = index.Search(ctx, SearchQuery{TenantID: "t1", UserID: "u1", Text: "budget review"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "doc_body", hits[0].Entry.ID)

	_, err = index.Search(ctx, SearchQuery{TenantID: "t1", Text: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryIndexChangesSinceKeepsTombstones(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	index.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	require.NoError(t, index.Insert(ctx, seedEntry("doc_1", "t1", "u1", "a.txt", "", base)))
	require.NoError(t, index.Insert(ctx, seedEntry("doc_2", "t1", "u1", "b.txt", "", base.Add(time.Minute))))
	require.NoError(t, index.Delete(ctx, "t1", "doc_1"))

	changes, err := index.ChangesSince(ctx, "u1", base, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, ChangeDeleted, changes[0].Kind)
	require.Equal(t, "doc_1", changes[0].Entry.ID)
	require.Equal(t, ChangeCreated, changes[1].Kind)

	changes, err = index.ChangesSince(ctx, "u1", base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, ChangeDeleted, changes[0].Kind)

	changes, err = index.ChangesSince(ctx, "other", base, 10)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestMemoryIndexStampsChangesAtWriteTime(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	index.now = func() time.Time { return written }

	edited := written.Add(-10 * time.Minute)
	require.NoError(t, index.Insert(ctx, seedEntry("doc_1", "t1", "u1", "a.txt", "", edited)))

	changes, err := index.ChangesSince(ctx, "u1", written.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, written, changes[0].At)
	require.Equal(t, edited, changes[0].Entry.UpdatedAt)
}
