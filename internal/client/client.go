// Package client is the offline-first application layer: local document
// edits land in the embedded database and the offline queue, and the sync
// engine moves them to the server.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alemhq/alem/internal/identity"
	"github.com/alemhq/alem/internal/localstore"
	"github.com/alemhq/alem/internal/offline"
	"github.com/alemhq/alem/internal/syncengine"
)

const (
	databaseFile = "alem.db"
	didKeyFile   = "did_ed25519.key"
	// Inline text above this size is not mirrored into the local index.
	maxIndexedText = 1 << 20
)

var (
	ErrNotFound     = localstore.ErrNotFound
	ErrInvalidInput = localstore.ErrInvalidInput
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	DataDir   string
	WatchDir  string
	ServerURL string
	Token     string
	UserID    string
	TenantID  string

	MaxRetries    int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SyncInterval  time.Duration
	SyncTimeout   time.Duration
	HTTPClient    *http.Client
	// Remote overrides the HTTP client built from ServerURL and Token.
	Remote syncengine.Remote
	Logger Logger
	Now    func() time.Time
}

type Client struct {
	userID   string
	tenantID string
	dataDir  string
	watchDir string
	lock     *DirLock
	store    *localstore.Store
	queue    *offline.Queue
	engine   *syncengine.Engine
	logger   Logger
}

// Open locks the data directory, opens the local database, and prepares the
// sync engine. Run starts syncing.
func Open(opts Options) (*Client, error) {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		return nil, fmt.Errorf("%w: data dir is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	lock, err := LockDir(dataDir)
	if err != nil {
		return nil, err
	}
	c := &Client{
		userID:   userID,
		tenantID: strings.TrimSpace(opts.TenantID),
		dataDir:  dataDir,
		watchDir: strings.TrimSpace(opts.WatchDir),
		lock:     lock,
		logger:   opts.Logger,
	}
	if c.tenantID == "" {
		c.tenantID = localstore.DefaultTenantID
	}
	if err := c.init(opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(opts Options) error {
	store, err := localstore.Open(filepath.Join(c.dataDir, databaseFile), localstore.Options{Now: opts.Now})
	if err != nil {
		return err
	}
	c.store = store
	queue, err := offline.New(store.DB(), offline.Options{MaxRetries: opts.MaxRetries, Now: opts.Now})
	if err != nil {
		return err
	}
	c.queue = queue

	ctx := context.Background()
	current, err := store.Identity(ctx)
	if err != nil {
		return err
	}
	if current.UserID != "" && current.UserID != c.userID {
		return fmt.Errorf("%w: data dir belongs to user %s", ErrInvalidInput, current.UserID)
	}
	current.UserID = c.userID
	current.TenantID = c.tenantID
	current.ServerURL = opts.ServerURL
	if err := store.SaveIdentity(ctx, current); err != nil {
		return err
	}

	remote := opts.Remote
	if remote == nil {
		remote = syncengine.NewHTTPClient(opts.ServerURL, opts.Token, opts.HTTPClient)
	}
	engine, err := syncengine.New(syncengine.Options{
		UserID:        c.userID,
		Remote:        remote,
		Queue:         queue,
		Local:         store,
		MaxRetries:    opts.MaxRetries,
		ProbeInterval: opts.ProbeInterval,
		ProbeTimeout:  opts.ProbeTimeout,
		SyncInterval:  opts.SyncInterval,
		SyncTimeout:   opts.SyncTimeout,
		Logger:        opts.Logger,
		Now:           opts.Now,
	})
	if err != nil {
		return err
	}
	c.engine = engine
	return engine.RefreshCounts(ctx)
}

// Run syncs, and imports files from the watch directory when one is set,
// until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	var watcher *Watcher
	if c.watchDir != "" {
		var err error
		if watcher, err = NewWatcher(c, WatcherOptions{Dir: c.watchDir, Logger: c.logger}); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.engine.Run(ctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	return g.Wait()
}

func (c *Client) Close() error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Release())
	}
	return errors.Join(errs...)
}

func (c *Client) UserID() string {
	return c.userID
}

// CreateDocumentInput describes a new local document. Exactly one of Text
// or LocalPath supplies the content.
type CreateDocumentInput struct {
	Filename    string
	ContentType string
	Text        string
	LocalPath   string
	Metadata    map[string]any
	Tags        []string
}

func (c *Client) CreateDocument(ctx context.Context, in CreateDocumentInput) (localstore.Document, error) {
	content, err := c.resolveContent(in.Text, in.LocalPath)
	if err != nil {
		return localstore.Document{}, err
	}
	filename := strings.TrimSpace(in.Filename)
	if filename == "" && in.LocalPath != "" {
		filename = filepath.Base(in.LocalPath)
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = detectContentType(filename)
	}
	doc, err := c.store.CreateDocument(ctx, localstore.NewDocument{
		UserID:      c.userID,
		TenantID:    c.tenantID,
		Filename:    filename,
		ContentType: contentType,
		FileSize:    int64(len(content)),
		ContentHash: contentHash(content),
		LocalPath:   in.LocalPath,
		TextContent: indexableText(contentType, content),
		Metadata:    in.Metadata,
		Tags:        in.Tags,
	})
	if err != nil {
		return localstore.Document{}, err
	}
	data := map[string]any{
		"id":           doc.ID,
		"user_id":      c.userID,
		"filename":     doc.Filename,
		"content_type": doc.ContentType,
		"updated_at":   doc.UpdatedAt.Format(time.RFC3339Nano),
	}
	if in.Metadata != nil {
		data["metadata"] = in.Metadata
	}
	attachContent(data, in.Text, in.LocalPath)
	if err := c.enqueue(ctx, offline.OpCreateDocument, data); err != nil {
		return doc, err
	}
	return doc, nil
}

// UpdateDocumentInput replaces the fields that are set.
type UpdateDocumentInput struct {
	Filename *string
	// Text replaces the content when set. Documents never hold empty content,
	// so an empty string is rejected; delete the document instead.
	Text      *string
	LocalPath string
	Metadata  map[string]any
	Tags      []string
}

func (c *Client) UpdateDocument(ctx context.Context, id string, in UpdateDocumentInput) (localstore.Document, error) {
	current, err := c.store.GetDocument(ctx, id)
	if err != nil {
		return localstore.Document{}, err
	}
	patch := localstore.DocumentPatch{Filename: in.Filename, Metadata: in.Metadata, Tags: in.Tags}
	text := ""
	if in.Text != nil {
		text = *in.Text
		if text == "" && in.LocalPath == "" {
			return localstore.Document{}, fmt.Errorf("%w: document %s: text cannot be empty", ErrInvalidInput, id)
		}
	}
	if in.Text != nil || in.LocalPath != "" {
		content, err := c.resolveContent(text, in.LocalPath)
		if err != nil {
			return localstore.Document{}, err
		}
		hash := contentHash(content)
		size := int64(len(content))
		indexed := indexableText(current.ContentType, content)
		patch.ContentHash, patch.FileSize, patch.TextContent = &hash, &size, &indexed
	}
	doc, err := c.store.UpdateDocument(ctx, id, patch)
	if err != nil {
		return localstore.Document{}, err
	}
	data := map[string]any{
		"id":         doc.ID,
		"user_id":    c.userID,
		"updated_at": doc.UpdatedAt.Format(time.RFC3339Nano),
	}
	if in.Filename != nil {
		data["filename"] = doc.Filename
	}
	if in.Metadata != nil {
		data["metadata"] = in.Metadata
	}
	attachContent(data, text, in.LocalPath)
	if err := c.enqueue(ctx, offline.OpUpdateDocument, data); err != nil {
		return doc, err
	}
	return doc, nil
}

func (c *Client) DeleteDocument(ctx context.Context, id string) (localstore.Document, error) {
	doc, err := c.store.DeleteDocument(ctx, id)
	if err != nil {
		return localstore.Document{}, err
	}
	if err := c.enqueue(ctx, offline.OpDeleteDocument, map[string]any{"id": id, "user_id": c.userID}); err != nil {
		return doc, err
	}
	return doc, nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (localstore.Document, error) {
	return c.store.GetDocument(ctx, id)
}

func (c *Client) ListDocuments(ctx context.Context) ([]localstore.Document, error) {
	return c.store.ListDocuments(ctx)
}

func (c *Client) SearchDocuments(ctx context.Context, query string, limit int) ([]localstore.Document, error) {
	return c.store.SearchDocuments(ctx, query, limit)
}

// CreateNamespace asks the server to start (or merge into) this user's
// namespace.
func (c *Client) CreateNamespace(ctx context.Context, config map[string]any) error {
	data := map[string]any{"id": c.userID}
	if config != nil {
		data["config"] = config
	}
	return c.enqueue(ctx, offline.OpCreateNamespace, data)
}

// LinkDID records did locally and queues linking it to the namespace.
func (c *Client) LinkDID(ctx context.Context, did string) error {
	if _, err := identity.PublicKeyFromDID(did); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	current, err := c.store.Identity(ctx)
	if err != nil {
		return err
	}
	current.DID = did
	if err := c.store.SaveIdentity(ctx, current); err != nil {
		return err
	}
	return c.enqueue(ctx, offline.OpCreateDID, map[string]any{"did": did})
}

// GenerateDID creates a did:key identity, keeps its private key in the data
// directory, and links it.
func (c *Client) GenerateDID(ctx context.Context) (string, error) {
	did, key, err := identity.GenerateDID()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(c.dataDir, didKeyFile), []byte(hex.EncodeToString(key.Seed())), 0o600); err != nil {
		return "", err
	}
	return did, c.LinkDID(ctx, did)
}

// UpdateProfile stores profile locally and queues the server-side merge.
func (c *Client) UpdateProfile(ctx context.Context, profile map[string]any) error {
	if len(profile) == 0 {
		return fmt.Errorf("%w: profile is empty", ErrInvalidInput)
	}
	current, err := c.store.Identity(ctx)
	if err != nil {
		return err
	}
	current.Profile = profile
	if err := c.store.SaveIdentity(ctx, current); err != nil {
		return err
	}
	return c.enqueue(ctx, offline.OpUpdateProfile, map[string]any{"profile": profile})
}

func (c *Client) Identity(ctx context.Context) (localstore.Identity, error) {
	return c.store.Identity(ctx)
}

func (c *Client) Status() syncengine.Status {
	return c.engine.Status()
}

func (c *Client) SyncNow(ctx context.Context) (syncengine.Result, error) {
	return c.engine.SyncNow(ctx)
}

func (c *Client) TriggerSync() {
	c.engine.Trigger()
}

func (c *Client) QueueStats(ctx context.Context) (offline.Stats, error) {
	return c.queue.Stats(ctx, c.userID)
}

func (c *Client) FailedOperations(ctx context.Context) ([]offline.Operation, error) {
	return c.queue.Failed(ctx, c.userID)
}

// RetryOperation returns one failed operation to the queue.
func (c *Client) RetryOperation(ctx context.Context, id string) error {
	if err := c.queue.ResetForRetry(ctx, id); err != nil {
		return err
	}
	c.afterQueueChange(ctx)
	return nil
}

// RetryFailed returns every failed operation to the queue with a fresh
// retry budget.
func (c *Client) RetryFailed(ctx context.Context) (int64, error) {
	n, err := c.queue.ResetAllFailed(ctx, c.userID)
	if err != nil {
		return 0, err
	}
	c.afterQueueChange(ctx)
	return n, nil
}

func (c *Client) ClearProcessed(ctx context.Context) (int64, error) {
	return c.queue.ClearProcessed(ctx, c.userID)
}

func (c *Client) enqueue(ctx context.Context, opType string, data map[string]any) error {
	if _, err := c.queue.Add(ctx, c.userID, opType, data); err != nil {
		return fmt.Errorf("queue %s: %w", opType, err)
	}
	c.afterQueueChange(ctx)
	return nil
}

func (c *Client) afterQueueChange(ctx context.Context) {
	if err := c.engine.RefreshCounts(ctx); err != nil {
		c.logf("client %s: refresh counts: %v", c.userID, err)
	}
	c.engine.Trigger()
}

func (c *Client) resolveContent(text, localPath string) ([]byte, error) {
	switch {
	case localPath != "" && text != "":
		return nil, fmt.Errorf("%w: text and local path are mutually exclusive", ErrInvalidInput)
	case localPath != "":
		content, err := os.ReadFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return content, nil
	case text != "":
		return []byte(text), nil
	default:
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// attachContent puts inline text in the change, or the file path the sync
// engine uploads through a presigned URL.
func attachContent(data map[string]any, text, localPath string) {
	switch {
	case localPath != "":
		data["local_path"] = localPath
	case text != "":
		data["content"] = text
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func indexableText(contentType string, content []byte) string {
	if len(content) > maxIndexedText {
		return ""
	}
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "xml") {
		return string(content)
	}
	return ""
}

func detectContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			return mediaType
		}
		return ct
	}
	return "application/octet-stream"
}
