package syncengine

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alemhq/alem/internal/offline"
)

var ErrSyncInProgress = errors.New("sync already in progress")

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

type Connection string

const (
	ConnectionOnline  Connection = "online"
	ConnectionOffline Connection = "offline"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultSyncInterval  = 300 * time.Second
	DefaultSyncTimeout   = 60 * time.Second
	DefaultLookback      = 30 * 24 * time.Hour
	DefaultPullLimit     = 100
	MaxPullLimit         = 1000
)

type Queue interface {
	Pending(ctx context.Context, userID string) ([]offline.Operation, error)
	Retryable(ctx context.Context, userID string, maxRetries int) ([]offline.Operation, error)
	MarkProcessed(ctx context.Context, ids []string) (int64, error)
	MarkFailed(ctx context.Context, id, message string) (offline.Operation, error)
	ResetForRetry(ctx context.Context, id string) error
	Stats(ctx context.Context, userID string) (offline.Stats, error)
}

// Local is the client's durable projection.
type Local interface {
	ApplyRemote(ctx context.Context, change Change) (bool, error)
	Cursor(ctx context.Context) (time.Time, bool, error)
	SetCursor(ctx context.Context, at time.Time) error
	MarkSynced(ctx context.Context, id, objectKey string) error
	MarkSyncError(ctx context.Context, id, message string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	UserID        string
	Remote        Remote
	Queue         Queue
	Local         Local
	MaxRetries    int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SyncInterval  time.Duration
	SyncTimeout   time.Duration
	PullLimit     int
	Logger        Logger
	Now           func() time.Time
}

type Status struct {
	UserID       string     `json:"user_id"`
	State        State      `json:"sync_state"`
	Connection   Connection `json:"connection_status"`
	LastSyncAt   time.Time  `json:"last_sync_timestamp"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	LastError    string     `json:"last_error,omitempty"`
}

type Result struct {
	Pushed  int `json:"pushed"`
	Skipped int `json:"skipped"`
	Pulled  int `json:"pulled"`
	Applied int `json:"applied"`
}

// Engine synchronizes one user's queue and local store with the server.
type Engine struct {
	userID        string
	remote        Remote
	queue         Queue
	local         Local
	maxRetries    int
	probeInterval time.Duration
	probeTimeout  time.Duration
	syncInterval  time.Duration
	syncTimeout   time.Duration
	pullLimit     int
	logger        Logger
	now           func() time.Time

	syncMu  sync.Mutex
	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

func New(opts Options) (*Engine, error) {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if opts.Remote == nil || opts.Queue == nil || opts.Local == nil {
		return nil, fmt.Errorf("remote, queue and local store are required")
	}
	e := &Engine{
		userID:        userID,
		remote:        opts.Remote,
		queue:         opts.Queue,
		local:         opts.Local,
		maxRetries:    positiveInt(opts.MaxRetries, offline.DefaultMaxRetries),
		probeInterval: positiveDuration(opts.ProbeInterval, DefaultProbeInterval),
		probeTimeout:  positiveDuration(opts.ProbeTimeout, DefaultProbeTimeout),
		syncInterval:  positiveDuration(opts.SyncInterval, DefaultSyncInterval),
		syncTimeout:   positiveDuration(opts.SyncTimeout, DefaultSyncTimeout),
		pullLimit:     positiveInt(opts.PullLimit, DefaultPullLimit),
		logger:        opts.Logger,
		now:           opts.Now,
		trigger:       make(chan struct{}, 1),
		status: Status{
			UserID:     userID,
			State:      StateIdle,
			Connection: ConnectionOffline,
		},
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.pullLimit > MaxPullLimit {
		e.pullLimit = MaxPullLimit
	}
	return e, nil
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) RefreshCounts(ctx context.Context) error {
	stats, err := e.queue.Stats(ctx, e.userID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.status.PendingCount = stats.Pending
	e.status.FailedCount = stats.Failed
	e.mu.Unlock()
	return nil
}

// Run drives the triggers until ctx ends. Sync attempts run on their own
// goroutine so probes keep their schedule during a long sync.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	attempt := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.attempt(ctx)
		}()
	}

	if err := e.RefreshCounts(ctx); err != nil {
		e.logf("sync %s: refresh counts: %v", e.userID, err)
	}
	if e.Probe(ctx) {
		attempt()
	}

	probe := time.NewTicker(e.probeInterval)
	defer probe.Stop()
	periodic := time.NewTicker(e.syncInterval)
	defer periodic.Stop()

	// A dropped stream is reopened on the next probe tick.
	notifier, _ := e.remote.(Notifier)
	var notifications <-chan Notification
	subscribe := func() {
		if notifications != nil || notifier == nil || e.Status().Connection != ConnectionOnline {
			return
		}
		ch, err := notifier.Subscribe(ctx)
		if err != nil {
			e.logf("sync %s: subscribe: %v", e.userID, err)
			return
		}
		notifications = ch
	}
	subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probe.C:
			if e.Probe(ctx) {
				attempt()
			}
			subscribe()
		case <-periodic.C:
			if e.Status().Connection == ConnectionOnline {
				attempt()
			}
		case <-e.trigger:
			attempt()
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if n.Type == NotificationChanges {
				attempt()
			}
		}
	}
}

func (e *Engine) attempt(ctx context.Context) {
	if _, err := e.SyncNow(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
		e.logf("sync %s: %v", e.userID, err)
	}
}

// Probe checks server reachability and records the connection status. It
// reports true when the engine just came online while idle.
func (e *Engine) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	err := e.remote.Health(probeCtx)

	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.status.Connection
	if err != nil {
		e.status.Connection = ConnectionOffline
		if previous == ConnectionOnline {
			e.logf("sync %s: server unreachable: %v", e.userID, err)
		}
		return false
	}
	e.status.Connection = ConnectionOnline
	return previous == ConnectionOffline && e.status.State == StateIdle
}

// SyncNow pushes queued operations and then pulls server changes. It fails
// with ErrSyncInProgress when another attempt holds the engine.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	if !e.syncMu.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer e.syncMu.Unlock()

	e.setState(StateSyncing)
	defer e.setState(StateIdle)

	ctx, cancel := context.WithTimeout(ctx, e.syncTimeout)
	defer cancel()

	var result Result
	err := e.push(ctx, &result)
	if err == nil {
		err = e.pull(ctx, &result)
	}
	if countErr := e.RefreshCounts(context.WithoutCancel(ctx)); countErr != nil {
		e.logf("sync %s: refresh counts: %v", e.userID, countErr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.status.LastError = err.Error()
		if errors.Is(err, ErrUnreachable) {
			e.status.Connection = ConnectionOffline
		}
		return result, err
	}
	e.status.LastError = ""
	e.status.Connection = ConnectionOnline
	e.status.LastSyncAt = e.now().UTC()
	return result, nil
}

// push stops at the first failure.
func (e *Engine) push(ctx context.Context, result *Result) error {
	retryable, err := e.queue.Retryable(ctx, e.userID, e.maxRetries)
	if err != nil {
		return fmt.Errorf("load retryable operations: %w", err)
	}
	for _, op := range retryable {
		if err := e.queue.ResetForRetry(ctx, op.ID); err != nil {
			return fmt.Errorf("reset %s: %w", op.ID, err)
		}
	}

	pending, err := e.queue.Pending(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}
	for _, op := range pending {
		if !offline.KnownType(op.Type) {
			e.logf("sync %s: skipping operation %s of unknown type %q", e.userID, op.ID, op.Type)
			result.Skipped++
			continue
		}
		applied, err := e.pushOne(ctx, op)
		if err != nil {
			e.recordFailure(ctx, op, err)
			e.logf("sync %s: halting push at %s %s: %v", e.userID, op.Type, op.ID, err)
			return fmt.Errorf("push %s %s: %w", op.Type, op.ID, err)
		}
		if _, err := e.queue.MarkProcessed(ctx, []string{op.ID}); err != nil {
			return fmt.Errorf("mark %s processed: %w", op.ID, err)
		}
		result.Pushed++
		e.recordSynced(ctx, op, applied)
	}
	return nil
}

func (e *Engine) pushOne(ctx context.Context, op offline.Operation) (OutgoingChange, error) {
	change, err := e.prepare(ctx, op)
	if err != nil {
		return change, err
	}
	resp, err := e.remote.Apply(ctx, []OutgoingChange{change})
	if err != nil {
		return change, err
	}
	for _, r := range resp.Results {
		if r.ChangeID != change.ID {
			continue
		}
		if r.Status != ResultApplied {
			return change, &ApplyError{ChangeID: change.ID, Message: r.Error}
		}
		return change, nil
	}
	return change, &ApplyError{ChangeID: change.ID, Message: "no result returned"}
}

func (e *Engine) prepare(ctx context.Context, op offline.Operation) (OutgoingChange, error) {
	data := make(map[string]any, len(op.Data)+1)
	for k, v := range op.Data {
		data[k] = v
	}
	if _, ok := data["user_id"]; !ok {
		data["user_id"] = e.userID
	}
	change := OutgoingChange{ID: op.ID, Type: op.Type, Data: data}

	localPath, _ := data["local_path"].(string)
	delete(data, "local_path")
	if localPath == "" || (op.Type != offline.OpCreateDocument && op.Type != offline.OpUpdateDocument) {
		return change, nil
	}
	if key, _ := data["object_key"].(string); key != "" {
		return change, nil
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return change, fmt.Errorf("read %s: %w", localPath, err)
	}
	docID, _ := data["id"].(string)
	filename, _ := data["filename"].(string)
	if filename == "" {
		filename = filepath.Base(localPath)
		data["filename"] = filename
	}
	contentType, _ := data["content_type"].(string)
	if contentType == "" {
		contentType = detectContentType(localPath)
		data["content_type"] = contentType
	}
	ticket, err := e.remote.UploadURL(ctx, docID, filename)
	if err != nil {
		return change, fmt.Errorf("upload url: %w", err)
	}
	if err := e.remote.PutBlob(ctx, ticket.UploadURL, contentType, content); err != nil {
		return change, fmt.Errorf("upload: %w", err)
	}
	data["object_key"] = ticket.ObjectKey
	return change, nil
}

func (e *Engine) recordFailure(ctx context.Context, op offline.Operation, cause error) {
	ctx = context.WithoutCancel(ctx)
	failed, err := e.queue.MarkFailed(ctx, op.ID, cause.Error())
	if err != nil {
		e.logf("sync %s: mark %s failed: %v", e.userID, op.ID, err)
		return
	}
	if failed.RetryCount < e.maxRetries {
		if err := e.queue.ResetForRetry(ctx, op.ID); err != nil {
			e.logf("sync %s: reset %s: %v", e.userID, op.ID, err)
		}
	} else {
		e.logf("sync %s: operation %s reached %d retries; waiting for manual retry", e.userID, op.ID, failed.RetryCount)
	}
	if docID := documentID(op); docID != "" {
		if err := e.local.MarkSyncError(ctx, docID, cause.Error()); err != nil {
			e.logf("sync %s: record sync error on %s: %v", e.userID, docID, err)
		}
	}
}

func (e *Engine) recordSynced(ctx context.Context, op offline.Operation, change OutgoingChange) {
	docID := documentID(op)
	if docID == "" {
		return
	}
	objectKey, _ := change.Data["object_key"].(string)
	if err := e.local.MarkSynced(ctx, docID, objectKey); err != nil {
		e.logf("sync %s: mark %s synced: %v", e.userID, docID, err)
	}
}

// pull fetches changes since the cursor and applies them oldest first. A
// full page is refetched with a larger limit because the feed keeps the
// newest entries when it truncates.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	since, ok, err := e.local.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		since = e.now().UTC().Add(-DefaultLookback)
	}

	limit := e.pullLimit
	var resp ChangesResponse
	for {
		resp, err = e.remote.Changes(ctx, since, limit)
		if err != nil {
			return fmt.Errorf("fetch changes: %w", err)
		}
		if !resp.HasMore || limit >= MaxPullLimit {
			break
		}
		limit = min(limit*4, MaxPullLimit)
	}
	if resp.HasMore {
		e.logf("sync %s: change feed still full at %d entries; older changes since %s may be missed", e.userID, limit, since.Format(time.RFC3339))
	}

	result.Pulled += len(resp.Changes)
	for i := len(resp.Changes) - 1; i >= 0; i-- {
		change := resp.Changes[i]
		applied, err := e.local.ApplyRemote(ctx, change)
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", change.Type, change.ID, err)
		}
		if applied {
			result.Applied++
		}
	}

	cursor := resp.Timestamp
	if cursor.IsZero() {
		cursor = e.now().UTC()
	}
	return e.local.SetCursor(ctx, cursor)
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.status.State = state
	e.mu.Unlock()
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func documentID(op offline.Operation) string {
	switch op.Type {
	case offline.OpCreateDocument, offline.OpUpdateDocument, offline.OpDeleteDocument:
		id, _ := op.Data["id"].(string)
		return id
	}
	return ""
}

func detectContentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func positiveInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
