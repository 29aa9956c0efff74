package intent

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cartbot/internal/logging"
)

// TableWatcher hot-reloads the keyword table when its YAML file changes,
// so intent tuning ships without a restart. Invalid edits are rejected and
// the previous table stays active.
type TableWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	store   *KeywordStore
	path    string

	debounceDur time.Duration
	pendingAt   time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	// Reloads counts successful swaps, for tests and debugging.
	Reloads int
}

// NewTableWatcher creates a watcher for one keyword table file.
func NewTableWatcher(path string, store *KeywordStore) (*TableWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TableWatcher{
		watcher:     watcher,
		store:       store,
		path:        filepath.Clean(path),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start loads the table once, then watches for changes. Non-blocking.
func (w *TableWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if table, err := LoadFile(w.path); err != nil {
		logging.Get(logging.CategoryIntent).Warn("initial keyword table load failed, keeping defaults: %v", err)
	} else {
		w.store.Swap(table)
	}

	// Watch the directory, not the file: editors replace files on save.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Intent("watching keyword table: %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *TableWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIntent).Error("error closing table watcher: %v", err)
	}
}

func (w *TableWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pendingAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIntent).Error("table watcher error: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pendingAt.IsZero() && time.Since(w.pendingAt) >= w.debounceDur
			if ready {
				w.pendingAt = time.Time{}
			}
			w.mu.Unlock()
			if ready {
				w.reload()
			}
		}
	}
}

func (w *TableWatcher) reload() {
	table, err := LoadFile(w.path)
	if err != nil {
		logging.Get(logging.CategoryIntent).Warn("keyword table reload rejected: %v", err)
		return
	}
	w.store.Swap(table)
	w.mu.Lock()
	w.Reloads++
	w.mu.Unlock()
}
