package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alemhq/alem/internal/localstore"
)

const defaultSettleDelay = 500 * time.Millisecond

type WatcherOptions struct {
	Dir string
	// SettleDelay is how long a path must be quiet before it is imported.
	SettleDelay time.Duration
	Logger      Logger
}

// Watcher imports files dropped into a directory as documents, re-imports
// them when their content changes, and deletes the document when the file
// goes away.
type Watcher struct {
	client *Client
	dir    string
	settle time.Duration
	logger Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(c *Client, opts WatcherOptions) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: watch dir is required", ErrInvalidInput)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return &Watcher{
		client:  c,
		dir:     abs,
		settle:  settle,
		logger:  opts.Logger,
		pending: map[string]time.Time{},
	}, nil
}

// Run scans the directory once and then follows filesystem events until ctx
// ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := w.addTree(fw); err != nil {
		return err
	}
	if err := w.Scan(ctx); err != nil {
		w.logf("watcher %s: initial scan: %v", w.dir, err)
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logf("watcher %s: %v", w.dir, err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Scan reconciles every regular file under the directory with the local
// documents imported from it, including files removed while not watching.
func (w *Watcher) Scan(ctx context.Context) error {
	var paths []string
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != w.dir && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !isHidden(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		seen[path] = struct{}{}
	}
	docs, err := w.client.ListDocuments(ctx)
	if err != nil {
		return err
	}
	prefix := w.dir + string(filepath.Separator)
	for _, doc := range docs {
		if _, ok := seen[doc.LocalPath]; ok || !strings.HasPrefix(doc.LocalPath, prefix) {
			continue
		}
		seen[doc.LocalPath] = struct{}{}
		paths = append(paths, doc.LocalPath)
	}
	sort.Strings(paths)
	var errs []error
	for _, path := range paths {
		if err := w.importPath(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) addTree(fw *fsnotify.Watcher) error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.dir && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	if isHidden(filepath.Base(event.Name)) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err != nil {
				w.logf("watcher %s: watch %s: %v", w.dir, event.Name, err)
			}
			return
		}
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.touch(event.Name)
	}
}

func (w *Watcher) touch(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// flush imports pending paths that have been quiet for the settle delay.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	sort.Strings(ready)
	for _, path := range ready {
		if err := w.importPath(ctx, path); err != nil {
			w.logf("watcher %s: import %s: %v", w.dir, path, err)
		}
	}
}

func (w *Watcher) importPath(ctx context.Context, path string) error {
	existing, err := w.client.store.DocumentByLocalPath(ctx, path)
	known := err == nil
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}

	info, statErr := os.Stat(path)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if !known {
			return nil
		}
		_, err := w.client.DeleteDocument(ctx, existing.ID)
		if err == nil {
			w.logf("watcher %s: removed %s", w.dir, existing.ID)
		}
		return err
	case statErr != nil:
		return statErr
	case !info.Mode().IsRegular():
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !known {
		doc, err := w.client.CreateDocument(ctx, CreateDocumentInput{LocalPath: path})
		if err == nil {
			w.logf("watcher %s: imported %s as %s", w.dir, path, doc.ID)
		}
		return err
	}
	if existing.ContentHash == contentHash(content) {
		return nil
	}
	_, err = w.client.UpdateDocument(ctx, existing.ID, UpdateDocumentInput{LocalPath: path})
	return err
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
