package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alemhq/alem/internal/storage"
)

type routerFixture struct {
	blobs *storage.MemoryBlobStore
	docs  *storage.MemoryDocumentStore
	index storage.Index
}

func newTestRouter(t *testing.T, tenant, user string, fixture *routerFixture) *Router {
	t.Helper()
	if fixture.blobs == nil {
		fixture.blobs = storage.NewMemoryBlobStore(storage.NewSigner("secret", "http://api.test"))
	}
	if fixture.docs == nil {
		fixture.docs = storage.NewMemoryDocumentStore()
	}
	if fixture.index == nil {
		fixture.index = storage.NewMemoryIndex()
	}
	r, err := New(Options{
		NamespaceID: user,
		TenantID:    tenant,
		UserID:      user,
		Blobs:       fixture.blobs,
		Docs:        fixture.docs,
		Index:       fixture.index,
	})
	require.NoError(t, err)
	require.NoError(t, r.Init(context.Background()))
	return r
}

func TestIngestWritesAllProjections(t *testing.T) {
	ctx := context.Background()
	fixture := &routerFixture{}
	r := newTestRouter(t, "t1", "u1", fixture)

	doc, err := r.Ingest(ctx, IngestRequest{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Content:     []byte("quarterly budget review"),
		Metadata:    map[string]any{"tag": "finance"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(doc.ID, "doc_"))
	require.Len(t, doc.ID, len("doc_")+32)
	require.Equal(t, StatusCompleted, doc.Status)
	require.Equal(t, int64(23), doc.Size)
	require.Len(t, doc.ContentHash, 64)
	require.Equal(t, "t1/u1/"+doc.ID+"/notes.txt", doc.ObjectKey)

	data, _, err := fixture.blobs.Get(ctx, doc.ObjectKey)
	require.NoError(t, err)
	require.Equal(t, "quarterly budget review", string(data))

	got, err := r.Get(ctx, "t1", doc.ID, true)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", got.Filename)
	require.Equal(t, "finance", got.Metadata["tag"])
	require.Equal(t, "quarterly budget review", got.TextContent)
	require.Equal(t, "text/plain", got.ContentType)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, "quarterly budget review", string(got.Content))

	listed, err := r.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	results, err := r.Search(ctx, "budget", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, doc.ID, results[0].Document.ID)
}

func TestIngestGeneratesDistinctIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := NewDocumentID()
		require.NoError(t, err)
		require.NoError(t, ValidateDocumentID(id))
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestIngestValidatesInput(t *testing.T) {
	r := newTestRouter(t, "t1", "u1", &routerFixture{})
	_, err := r.Ingest(context.Background(), IngestRequest{Content: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Ingest(context.Background(), IngestRequest{Filename: "a.txt"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Ingest(context.Background(), IngestRequest{ID: "../etc", Filename: "a.txt", Content: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestIngestDuplicateIDConflictsWithoutTouchingBlob(t *testing.T) {
	ctx := context.Background()
	fixture := &routerFixture{}
	r := newTestRouter(t, "t1", "u1", fixture)
	doc, err := r.Ingest(ctx, IngestRequest{ID: "doc_client_0001", Filename: "a.txt", Content: []byte("first")})
	require.NoError(t, err)

	_, err = r.Ingest(ctx, IngestRequest{ID: "doc_client_0001", Filename: "a.txt", Content: []byte("second")})
	require.ErrorIs(t, err, ErrConflict)

	data, _, err := fixture.blobs.Get(ctx, doc.ObjectKey)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
}

func TestGetFromOtherTenantIsUnauthorized(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, "tenant-a", "u1", &routerFixture{})
	doc, err := r.Ingest(ctx, IngestRequest{Filename: "a.txt", Content: []byte("x")})
	require.NoError(t, err)

	_, err = r.Get(ctx, "tenant-b", doc.ID, false)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.False(t, errors.Is(err, ErrNotFound))

	_, err = r.Delete(ctx, "tenant-b", doc.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Get(ctx, "tenant-a", "doc_missing_000", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesEveryProjection(t *testing.T) {
	ctx := context.Background()
	fixture := &routerFixture{}
	r := newTestRouter(t, "t1", "u1", fixture)
	doc, err := r.Ingest(ctx, IngestRequest{Filename: "a.txt", ContentType: "text/plain", Content: []byte("searchable words")})
	require.NoError(t, err)

	deleted, err := r.Delete(ctx, "t1", doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Size, deleted.Size)

	_, _, err = fixture.blobs.Get(ctx, doc.ObjectKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = fixture.docs.Get(ctx, storage.DatabaseName("t1"), doc.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	results, err := r.Search(ctx, "searchable", 10)
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = r.Delete(ctx, "t1", doc.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

type failingIndex struct {
	storage.Index
	insertErr error
}

func (f *failingIndex) Insert(ctx context.Context, entry storage.IndexEntry) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Index.Insert(ctx, entry)
}

func TestIngestCompensatesWhenIndexFails(t *testing.T) {
	ctx := context.Background()
	indexErr := errors.New("index unavailable")
	fixture := &routerFixture{index: &failingIndex{Index: storage.NewMemoryIndex(), insertErr: indexErr}}
	r := newTestRouter(t, "t1", "u1", fixture)

	_, err := r.Ingest(ctx, IngestRequest{ID: "doc_compensate_1", Filename: "a.txt", Content: []byte("x")})
	require.ErrorIs(t, err, indexErr)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepIndexInsert, stepErr.Step)

	blobs, err := fixture.blobs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, blobs)
	_, err = fixture.docs.Get(ctx, storage.DatabaseName("t1"), "doc_compensate_1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestFromPresignedUpload(t *testing.T) {
	ctx := context.Background()
	fixture := &routerFixture{}
	r := newTestRouter(t, "t1", "u1", fixture)

	uploadURL, key, err := r.PresignUpload(ctx, "doc_upload_0001", "report.md", time.Minute)
	require.NoError(t, err)
	require.Contains(t, uploadURL, "/v1/blobs/t1/u1/doc_upload_0001/report.md?")
	_, err = fixture.blobs.Put(ctx, key, []byte("# uploaded"), "text/markdown")
	require.NoError(t, err)

	doc, err := r.Ingest(ctx, IngestRequest{ID: "doc_upload_0001", Filename: "report.md", ContentType: "text/markdown", ObjectKey: key})
	require.NoError(t, err)
	require.Equal(t, key, doc.ObjectKey)
	require.Equal(t, int64(10), doc.Size)

	results, err := r.Search(ctx, "uploaded", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = r.Ingest(ctx, IngestRequest{ID: "doc_upload_0002", Filename: "x.md", ObjectKey: key})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpdateReplacesContentAndMetadata(t *testing.T) {
	ctx := context.Background()
	fixture := &routerFixture{}
	r := newTestRouter(t, "t1", "u1", fixture)
	doc, err := r.Ingest(ctx, IngestRequest{Filename: "a.txt", ContentType: "text/plain", Content: []byte("old words")})
	require.NoError(t, err)

	updated, err := r.Update(ctx, "t1", doc.ID, UpdateRequest{
		Content:  []byte("fresh words"),
		Metadata: map[string]any{"v": float64(2)},
	})
	require.NoError(t, err)
	require.NotEqual(t, doc.Rev, updated.Rev)
	require.NotEqual(t, doc.ContentHash, updated.ContentHash)

	results, err := r.Search(ctx, "fresh", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	results, err = r.Search(ctx, "old", 5)
	require.NoError(t, err)
	require.Empty(t, results)

	renamed, err := r.Update(ctx, "t1", doc.ID, UpdateRequest{Filename: "b.txt"})
	require.NoError(t, err)
	require.Equal(t, "b.txt", renamed.Filename)
	require.Equal(t, updated.ContentHash, renamed.ContentHash)
}

func TestPresignUploadRequiresSigner(t *testing.T) {
	r := newTestRouter(t, "t1", "u1", &routerFixture{blobs: storage.NewMemoryBlobStore(nil)})
	_, _, err := r.PresignUpload(context.Background(), "doc_upload_0001", "a.txt", 0)
	require.ErrorIs(t, err, storage.ErrNotImplemented)
}

func TestTextExtractor(t *testing.T) {
	e := TextExtractor{}
	require.Equal(t, "hello", e.Extract("text/plain; charset=utf-8", []byte("hello")))
	require.Equal(t, `{"a":1}`, e.Extract("application/json", []byte(`{"a":1}`)))
	require.Equal(t, BinaryPlaceholder, e.Extract("application/pdf", []byte("%PDF")))
	require.Equal(t, BinaryPlaceholder, e.Extract("text/plain", []byte{0xff, 0xfe}))
	require.Equal(t, "text/html; charset=utf-8", normalizeContentType("", "a.html"))
	require.Equal(t, "application/octet-stream", normalizeContentType("", "a.unknownext"))
	require.Equal(t, "text/csv", normalizeContentType("text/csv", "a.html"))
}
