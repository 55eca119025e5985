package execution

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"testrig/internal/api"
	"testrig/pkg/logging"
)

// ChangeSource delivers batches of changed file paths.
type ChangeSource interface {
	Changes() <-chan []string
	Close() error
}

// WatcherFactory creates a ChangeSource for everything below root.
type WatcherFactory func(root string, debounce time.Duration) (ChangeSource, error)

// WatchBatch is the result of one watch round. Round 0 is the initial full run.
type WatchBatch struct {
	Round   int               `json:"round"`
	Files   []string          `json:"files,omitempty"`
	Results []api.TestOutcome `json:"results"`
	Err     error             `json:"-"`
}

// Executor runs one watch round. Engine and app.ResilientRunner implement it.
type Executor interface {
	Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error)
}

// Watch runs req once and then again for every batch of file changes below
// the watched path, re-running only the affected tests. The returned channel
// is closed when ctx is cancelled; the sequence never ends on its own.
func (e *Engine) Watch(ctx context.Context, req api.RunRequest) (<-chan WatchBatch, error) {
	return e.WatchWith(ctx, req, e)
}

// WatchWith is Watch with every round executed through exec, so that rounds
// go through the same breaker and retry policy as single runs.
func (e *Engine) WatchWith(ctx context.Context, req api.RunRequest, exec Executor) (<-chan WatchBatch, error) {
	if res := e.validator.ValidateExecution(req); !res.Valid {
		return nil, res.Err()
	}
	fw, err := e.registry.Get(req.Framework)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(dirOrDot(req.Dir))
	if err != nil {
		return nil, err
	}
	root := watchRoot(base, req.TestPath)

	source, err := e.watcher(root, e.config.WatchDebounce)
	if err != nil {
		return nil, err
	}

	req = req.Clone()
	req.Watch = false

	out := make(chan WatchBatch)
	go func() {
		defer close(out)
		defer source.Close()

		send := func(b WatchBatch) bool {
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		results, err := exec.Execute(ctx, req)
		if !send(WatchBatch{Round: 0, Results: results, Err: err}) {
			return
		}

		for round := 1; ; {
			select {
			case <-ctx.Done():
				return
			case changed, ok := <-source.Changes():
				if !ok {
					<-ctx.Done()
					return
				}
				affected := e.impact.AffectedTests(underRoot(root, changed), fw)
				if len(affected) == 0 {
					logging.Debug("Execution", "No tests affected by %d changed files", len(changed))
					continue
				}

				rerun := req.Clone()
				rerun.TestPath = ""
				rerun.Files = relativeTo(base, affected)
				logging.Info("Execution", "Watch round %d: re-running %d test files", round, len(rerun.Files))

				results, err := exec.Execute(ctx, rerun)
				if !send(WatchBatch{Round: round, Files: rerun.Files, Results: results, Err: err}) {
					return
				}
				round++
			}
		}
	}()

	return out, nil
}

func dirOrDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// watchRoot is the directory containing the watched test path.
func watchRoot(base, testPath string) string {
	p := strings.TrimSuffix(strings.TrimSuffix(testPath, "..."), "/")
	if p == "" || p == "." {
		return base
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return filepath.Dir(p)
	}
	return p
}

func underRoot(root string, files []string) []string {
	prefix := root + string(filepath.Separator)
	var out []string
	for _, f := range files {
		if f == root || strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return out
}

func relativeTo(base string, files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if rel, err := filepath.Rel(base, f); err == nil && !strings.HasPrefix(rel, "..") {
			out = append(out, rel)
			continue
		}
		out = append(out, f)
	}
	return out
}

var ignoredWatchDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
}

// FSWatcher is a ChangeSource backed by fsnotify. It watches a directory tree
// and coalesces events that arrive within the debounce interval into one batch.
type FSWatcher struct {
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan []string
	stopCh   chan struct{}

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	closed  bool
}

// NewFSWatcher starts watching root and all of its subdirectories.
func NewFSWatcher(root string, debounce time.Duration) (ChangeSource, error) {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FSWatcher{
		root:     root,
		debounce: debounce,
		watcher:  watcher,
		changes:  make(chan []string, 1),
		stopCh:   make(chan struct{}),
		pending:  make(map[string]bool),
	}
	if err := w.addTree(root); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.processEvents()

	logging.Info("Watcher", "Watching %s for changes", root)
	return w, nil
}

// Changes returns the channel of debounced change batches.
func (w *FSWatcher) Changes() <-chan []string {
	return w.changes
}

// Close stops watching. Pending changes are dropped.
func (w *FSWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

func (w *FSWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipWatchDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			logging.Warn("Watcher", "Failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func skipWatchDir(name string) bool {
	return ignoredWatchDirs[name] || strings.HasPrefix(name, ".")
}

func (w *FSWatcher) processEvents() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Watcher", err, "Filesystem watcher error")
		}
	}
}

func (w *FSWatcher) handleFsEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	dirs := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	for _, part := range dirs {
		if part != "." && part != ".." && skipWatchDir(part) {
			return
		}
	}

	// New directories are not watched by fsnotify on their own
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.Debug("Watcher", "Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[event.Name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *FSWatcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	slices.Sort(files)
	logging.Debug("Watcher", "Emitting %d changed files", len(files))

	select {
	case w.changes <- files:
	case <-w.stopCh:
	}
}
