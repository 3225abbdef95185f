// Package activity watches workspace checkouts for file changes made outside
// the gated tools (editors, generators, formatters) and feeds them into the
// session state and the workspace's idle clock.
//
// It also notices when two workspaces modify the same relative path, which
// usually means two units of work have drifted into the same area.
package activity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/session"
)

// DefaultDebounce coalesces the bursts of events editors emit for one save.
const DefaultDebounce = 50 * time.Millisecond

// DefaultIgnore lists directory and file names never reported.
var DefaultIgnore = []string{".git", ".guardian", "node_modules", ".DS_Store"}

// SessionRecorder receives file-change events.
type SessionRecorder interface {
	Record(ctx context.Context, ev session.Event) (*session.State, error)
}

// Toucher refreshes a workspace's last-activity time.
type Toucher interface {
	Touch(ctx context.Context, workspaceID string) error
}

// Overlap is a relative path modified in more than one workspace.
type Overlap struct {
	RelativePath string    `json:"relative_path"`
	Workspaces   []string  `json:"workspaces"`
	LastModified time.Time `json:"last_modified"`
}

// Watcher records file modifications under one or more workspace roots.
type Watcher struct {
	watcher *fsnotify.Watcher

	// workspace id -> root
	roots map[string]string

	// relative path -> workspace id -> last modification
	modifications map[string]map[string]time.Time

	overlaps  []Overlap
	onOverlap func([]Overlap)
	onChange  func(workspaceID, relPath string)

	ignore    []string
	debounce  time.Duration
	retention time.Duration
	sessions SessionRecorder
	toucher  Toucher
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.RWMutex
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSessionRecorder records each change as a session FileChanged event.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(w *Watcher) { w.sessions = r }
}

// WithToucher refreshes the workspace's activity time on each change.
func WithToucher(t Toucher) Option {
	return func(w *Watcher) { w.toucher = t }
}

// WithDebounce sets the event coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRetention makes the event loop forget modifications older than d, so
// overlaps from long-finished work stop being reported. Zero keeps
// everything.
func WithRetention(d time.Duration) Option {
	return func(w *Watcher) { w.retention = d }
}

// WithIgnore replaces the ignored names.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) { w.ignore = names }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l.WithComponent("activity") }
}

// New creates a Watcher. Call Start to begin processing events.
func New(opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:       fw,
		roots:         make(map[string]string),
		modifications: make(map[string]map[string]time.Time),
		ignore:        DefaultIgnore,
		debounce:      DefaultDebounce,
		logger:        logging.NopLogger(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnOverlap sets the callback invoked when the set of overlapping paths
// changes and is non-empty. It runs without the watcher's lock held.
func (w *Watcher) OnOverlap(cb func([]Overlap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOverlap = cb
}

// OnChange sets a callback invoked after each recorded change.
func (w *Watcher) OnChange(cb func(workspaceID, relPath string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = cb
}

// Add starts watching root for workspaceID, including every subdirectory
// not ignored.
func (w *Watcher) Add(workspaceID, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("workspace path does not exist: %s", root)
		}
		return fmt.Errorf("cannot access workspace path %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", root)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roots[workspaceID] = root
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	w.watchDirRecursive(root)
	return nil
}

// watchDirRecursive adds all subdirectories to the watcher.
func (w *Watcher) watchDirRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Remove stops watching a workspace and forgets its modifications.
func (w *Watcher) Remove(workspaceID string) {
	w.mu.Lock()
	root, ok := w.roots[workspaceID]
	if !ok {
		w.mu.Unlock()
		return
	}
	for _, p := range w.watcher.WatchList() {
		if within(p, root) {
			_ = w.watcher.Remove(p)
		}
	}
	delete(w.roots, workspaceID)

	for rel, byWS := range w.modifications {
		delete(byWS, workspaceID)
		if len(byWS) == 0 {
			delete(w.modifications, rel)
		}
	}
	notify := w.recalculateOverlaps()
	w.mu.Unlock()
	notify()
}

// Start begins processing events in the background. Changes are recorded
// with ctx.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop stops the watcher and waits for the event loop to exit. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Event)

	var prune <-chan time.Time
	if w.retention > 0 {
		ticker := time.NewTicker(max(w.retention/4, time.Second))
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[ev.Name] = ev
			timer.Reset(w.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]fsnotify.Event)
			for _, ev := range batch {
				w.handle(ctx, ev)
			}

		case <-prune:
			w.Prune(w.retention)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	if w.ignoredPath(path) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Removed again before the debounce fired.
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			w.mu.Lock()
			w.watchDirRecursive(path)
			w.mu.Unlock()
		}
		return
	}

	workspaceID, rel, notify, ok := w.record(path)
	if !ok {
		return
	}
	notify()

	if w.sessions != nil {
		if _, err := w.sessions.Record(ctx, session.Event{Kind: session.EventFileChanged, Tool: "watch", Path: rel}); err != nil {
			w.logger.Error("failed to record file change", "path", rel, "error", err)
		}
	}
	if w.toucher != nil && workspaceID != "" {
		if err := w.toucher.Touch(ctx, workspaceID); err != nil {
			w.logger.Error("failed to touch workspace", "workspace_id", workspaceID, "error", err)
		}
	}

	w.mu.RLock()
	cb := w.onChange
	w.mu.RUnlock()
	if cb != nil {
		cb(workspaceID, rel)
	}
}

// record attributes path to the workspace with the longest matching root.
// A root may be registered under the empty id when no workspace is
// assigned. notify must be called once the caller is done.
func (w *Watcher) record(path string) (workspaceID, rel string, notify func(), ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var root string
	found := false
	for id, r := range w.roots {
		if within(path, r) && (!found || len(r) > len(root)) {
			workspaceID, root, found = id, r, true
		}
	}
	if !found {
		return "", "", nil, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", nil, false
	}
	rel = filepath.ToSlash(rel)

	if w.modifications[rel] == nil {
		w.modifications[rel] = make(map[string]time.Time)
	}
	w.modifications[rel][workspaceID] = w.now()
	return workspaceID, rel, w.recalculateOverlaps(), true
}

// recalculateOverlaps must be called with mu held. The returned func runs
// the overlap callback when the overlapping paths changed; call it after
// releasing mu.
func (w *Watcher) recalculateOverlaps() func() {
	overlaps := make([]Overlap, 0)
	for rel, byWS := range w.modifications {
		if len(byWS) < 2 {
			continue
		}
		o := Overlap{RelativePath: rel}
		for id, at := range byWS {
			o.Workspaces = append(o.Workspaces, id)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		sort.Strings(o.Workspaces)
		overlaps = append(overlaps, o)
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i].RelativePath < overlaps[j].RelativePath })
	changed := !sameOverlaps(w.overlaps, overlaps)
	w.overlaps = overlaps

	cb := w.onOverlap
	if !changed || cb == nil || len(overlaps) == 0 {
		return func() {}
	}
	snapshot := slices.Clone(overlaps)
	return func() { cb(snapshot) }
}

// sameOverlaps compares paths and workspaces, ignoring modification times.
func sameOverlaps(a, b []Overlap) bool {
	return slices.EqualFunc(a, b, func(x, y Overlap) bool {
		return x.RelativePath == y.RelativePath && slices.Equal(x.Workspaces, y.Workspaces)
	})
}

// Overlaps returns the current cross-workspace overlaps, sorted by path.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Overlap, len(w.overlaps))
	copy(out, w.overlaps)
	return out
}

// FilesFor returns the relative paths modified in a workspace, sorted.
func (w *Watcher) FilesFor(workspaceID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var files []string
	for rel, byWS := range w.modifications {
		if _, ok := byWS[workspaceID]; ok {
			files = append(files, rel)
		}
	}
	sort.Strings(files)
	return files
}

// Prune forgets modifications older than maxAge.
func (w *Watcher) Prune(maxAge time.Duration) {
	w.mu.Lock()

	cutoff := w.now().Add(-maxAge)
	for rel, byWS := range w.modifications {
		for id, at := range byWS {
			if at.Before(cutoff) {
				delete(byWS, id)
			}
		}
		if len(byWS) == 0 {
			delete(w.modifications, rel)
		}
	}
	notify := w.recalculateOverlaps()
	w.mu.Unlock()
	notify()
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) ignoredPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if w.ignored(part) {
			return true
		}
	}
	return false
}

func within(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
