package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alemhq/alem/internal/changefeed"
	"github.com/alemhq/alem/internal/httpapi"
	"github.com/alemhq/alem/internal/identity"
	"github.com/alemhq/alem/internal/namespace"
	"github.com/alemhq/alem/internal/offline"
	"github.com/alemhq/alem/internal/router"
	"github.com/alemhq/alem/internal/storage"
)

const testSecret = "client-test-secret"

func openTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.UserID == "" {
		opts.UserID = "u1"
	}
	if opts.ServerURL == "" {
		opts.ServerURL = "http://127.0.0.1:1"
	}
	c, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(Options{DataDir: t.TempDir()})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = Open(Options{UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestOpenLocksDataDir(t *testing.T) {
	dir := t.TempDir()
	first := openTestClient(t, Options{DataDir: dir})

	_, err := Open(Options{DataDir: dir, UserID: "u1"})
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := Open(Options{DataDir: dir, UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOpenRejectsAnotherUsersDataDir(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{DataDir: dir, UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(Options{DataDir: dir, UserID: "u2"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateDocumentQueuesChange(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t, Options{})

	doc, err := c.CreateDocument(ctx, CreateDocumentInput{
		Filename: "notes.txt",
		Text:     "quarterly budget review",
		Metadata: map[string]any{"source": "test"},
	})
	require.NoError(t, err)
	require.Equal(t, "text/plain", doc.ContentType)
	require.Equal(t, int64(len("quarterly budget review")), doc.FileSize)
	require.Equal(t, contentHash([]byte("quarterly budget review")), doc.ContentHash)

	found, err := c.SearchDocuments(ctx, "budget", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	pending, err := c.queue.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, offline.OpCreateDocument, pending[0].Type)
	require.Equal(t, doc.ID, pending[0].Data["id"])
	require.Equal(t, "quarterly budget review", pending[0].Data["content"])
	require.Equal(t, 1, c.Status().PendingCount)
}

func TestCreateDocumentValidatesContent(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t, Options{})

	_, err := c.CreateDocument(ctx, CreateDocumentInput{Filename: "a.txt"})
	require.ErrorIs(t, err, ErrInvalidInput)

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err = c.CreateDocument(ctx, CreateDocumentInput{Text: "x", LocalPath: path})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.CreateDocument(ctx, CreateDocumentInput{LocalPath: filepath.Join(t.TempDir(), "missing.txt")})
	require.ErrorIs(t, err, ErrInvalidInput)

	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestUpdateAndDeleteQueueChanges(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t, Options{})
	doc, err := c.CreateDocument(ctx, CreateDocumentInput{Filename: "a.txt", Text: "first"})
	require.NoError(t, err)

	text := "second draft"
	updated, err := c.UpdateDocument(ctx, doc.ID, UpdateDocumentInput{Text: &text})
	require.NoError(t, err)
	require.Equal(t, contentHash([]byte(text)), updated.ContentHash)

	_, err = c.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	_, err = c.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := c.queue.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, offline.OpUpdateDocument, pending[1].Type)
	require.Equal(t, text, pending[1].Data["content"])
	require.Equal(t, offline.OpDeleteDocument, pending[2].Type)
}

func TestUpdateDocumentRejectsEmptyText(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t, Options{})
	doc, err := c.CreateDocument(ctx, CreateDocumentInput{Filename: "a.txt", Text: "keep me"})
	require.NoError(t, err)

	empty := ""
	_, err = c.UpdateDocument(ctx, doc.ID, UpdateDocumentInput{Text: &empty})
	require.ErrorIs(t, err, ErrInvalidInput)

	current, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ContentHash, current.ContentHash)
	pending, err := c.queue.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestIdentityOperations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openTestClient(t, Options{DataDir: dir})

	require.ErrorIs(t, c.LinkDID(ctx, "did:web:example.com"), ErrInvalidInput)
	require.ErrorIs(t, c.UpdateProfile(ctx, nil), ErrInvalidInput)

	did, err := c.GenerateDID(ctx)
	require.NoError(t, err)
	_, err = identity.PublicKeyFromDID(did)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, didKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, c.UpdateProfile(ctx, map[string]any{"display_name": "Ada"}))
	require.NoError(t, c.CreateNamespace(ctx, map[string]any{"plan": "free"}))

	current, err := c.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, did, current.DID)
	require.Equal(t, "Ada", current.Profile["display_name"])

	pending, err := c.queue.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, offline.OpCreateDID, pending[0].Type)
	require.Equal(t, offline.OpUpdateProfile, pending[1].Type)
	require.Equal(t, offline.OpCreateNamespace, pending[2].Type)
}

func TestRetryFailedReturnsOperationsToQueue(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t, Options{MaxRetries: 1})
	_, err := c.CreateDocument(ctx, CreateDocumentInput{Filename: "a.txt", Text: "x"})
	require.NoError(t, err)

	_, err = c.SyncNow(ctx)
	require.Error(t, err)
	failed, err := c.FailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	n, err := c.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Zero(t, stats.Failed)
}

type testServer struct {
	url      string
	verifier *identity.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	signer := storage.NewSigner("presign-secret", ts.URL)
	blobs := storage.NewMemoryBlobStore(signer)
	docs := storage.NewMemoryDocumentStore()
	index := storage.NewMemoryIndex()
	records := namespace.NewMemoryRecordStore()
	build := func(record namespace.Record) (*router.Router, error) {
		return router.New(router.Options{
			NamespaceID: record.ID,
			TenantID:    record.TenantID,
			UserID:      record.OwnerID(),
			Blobs:       blobs,
			Docs:        docs,
			Index:       index,
		})
	}
	manager, err := namespace.NewManager(namespace.ManagerOptions{
		NodeID:   "node-test",
		Records:  records,
		Services: []namespace.ServiceSpec{namespace.RouterService(build, 8)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	hub := httpapi.NewHub(nil)
	feed, err := changefeed.New(changefeed.Options{
		Documents:  index,
		Records:    records,
		Namespaces: manager,
		OnChange:   hub.Publish,
	})
	require.NoError(t, err)
	verifier := identity.NewVerifier(testSecret, "")
	server, err := httpapi.NewServer(httpapi.Options{
		Namespaces: manager,
		Feed:       feed,
		Verifier:   verifier,
		Blobs:      blobs,
		Signer:     signer,
		Hub:        hub,
	})
	require.NoError(t, err)
	handler = server
	return &testServer{url: ts.URL, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.verifier.Issue(identity.Claims{Subject: userID, TenantID: "t1"}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestSyncRoundTripAgainstServer(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	token := server.token(t, "u1")

	laptop := openTestClient(t, Options{ServerURL: server.url, Token: token})
	phone := openTestClient(t, Options{ServerURL: server.url, Token: token})

	note, err := laptop.CreateDocument(ctx, CreateDocumentInput{Filename: "notes.txt", Text: "quarterly budget review"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "report.md")
	require.NoError(t, os.WriteFile(path, []byte("# incident report"), 0o644))
	report, err := laptop.CreateDocument(ctx, CreateDocumentInput{LocalPath: path})
	require.NoError(t, err)
	require.Equal(t, "report.md", report.Filename)

	result, err := laptop.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Pushed)

	stats, err := laptop.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Processed)
	require.Zero(t, stats.Pending)

	synced, err := laptop.GetDocument(ctx, report.ID)
	require.NoError(t, err)
	require.True(t, synced.IsSynced)
	require.NotEmpty(t, synced.ObjectKey)

	_, err = phone.SyncNow(ctx)
	require.NoError(t, err)
	docs, err := phone.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	found, err := phone.SearchDocuments(ctx, "budget", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, note.ID, found[0].ID)

	_, err = laptop.DeleteDocument(ctx, note.ID)
	require.NoError(t, err)
	_, err = laptop.SyncNow(ctx)
	require.NoError(t, err)
	_, err = phone.SyncNow(ctx)
	require.NoError(t, err)
	_, err = phone.GetDocument(ctx, note.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWatcherImportsUpdatesAndRemovesFiles(t *testing.T) {
	ctx := context.Background()
	watchDir := t.TempDir()
	c := openTestClient(t, Options{WatchDir: watchDir})
	w, err := NewWatcher(c, WatcherOptions{Dir: watchDir})
	require.NoError(t, err)

	path := filepath.Join(watchDir, "todo.txt")
	require.NoError(t, os.WriteFile(path, []byte("buy milk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, ".hidden"), []byte("skip"), 0o644))
	require.NoError(t, w.Scan(ctx))

	docs, err := c.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "todo.txt", docs[0].Filename)

	require.NoError(t, w.Scan(ctx))
	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)

	require.NoError(t, os.WriteFile(path, []byte("buy oat milk"), 0o644))
	require.NoError(t, w.Scan(ctx))
	doc, err := c.GetDocument(ctx, docs[0].ID)
	require.NoError(t, err)
	require.Equal(t, contentHash([]byte("buy oat milk")), doc.ContentHash)

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.Scan(ctx))
	_, err = c.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := c.queue.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, offline.OpUpdateDocument, pending[1].Type)
	require.Equal(t, path, pending[1].Data["local_path"])
	require.Equal(t, offline.OpDeleteDocument, pending[2].Type)
}

func TestWatcherRunPicksUpNewFiles(t *testing.T) {
	watchDir := t.TempDir()
	c := openTestClient(t, Options{WatchDir: watchDir})
	w, err := NewWatcher(c, WatcherOptions{Dir: watchDir, SettleDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	path := filepath.Join(watchDir, "later.txt")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("hello"), 0o644)
		docs, err := c.ListDocuments(context.Background())
		return err == nil && len(docs) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
