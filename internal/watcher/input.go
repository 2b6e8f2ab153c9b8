package watcher

import (
	"context"
	"iter"
	"path/filepath"
	"sync"

	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// InputWatcher watches an explicit, changing list of files. It registers the
// parent directory of each path and never watches a tree recursively.
type InputWatcher struct {
	paths  func() []string
	logger logging.Logger
	events chan WatchEvent

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	dirs map[string]struct{}
}

// NewInputWatcher creates an InputWatcher. paths is consulted on start and
// again before every emitted event.
func NewInputWatcher(paths func() []string, logger logging.Logger) *InputWatcher {
	return &InputWatcher{
		paths:  paths,
		logger: logger.WithComponent("input_watcher"),
		events: make(chan WatchEvent, eventBuffer),
		dirs:   make(map[string]struct{}),
	}
}

// Start registers the watches and begins delivering events until ctx ends.
func (w *InputWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.ErrWatchSetup("inputs", err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	w.reconcile(ctx)

	w.logger.Info(ctx, "Watching inputs", "directories", w.watchedDirCount())
	go watchLoop(ctx, fsw, w.events, w.logger, func(ev fsnotify.Event, kind EventKind) (WatchEvent, bool) {
		current := w.reconcile(ctx)
		path := filepath.Clean(ev.Name)
		if _, ok := current[path]; !ok {
			return WatchEvent{}, false
		}
		return single(kind, path), true
	})
	return nil
}

// Events returns the sequence of events. It ends once the watcher stops.
func (w *InputWatcher) Events() iter.Seq[WatchEvent] {
	return sequence(w.events)
}

// reconcile recomputes the path list, adds watches for new parent
// directories, drops watches no longer needed, and returns the current set.
func (w *InputWatcher) reconcile(ctx context.Context) map[string]struct{} {
	paths := w.paths()
	current := make(map[string]struct{}, len(paths))
	want := make(map[string]struct{})
	for _, p := range paths {
		p = filepath.Clean(p)
		current[p] = struct{}{}
		want[filepath.Dir(p)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for dir := range want {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Debug(ctx, "Skipping unwatchable directory", "dir", dir, "error", err)
			continue
		}
		w.dirs[dir] = struct{}{}
	}
	for dir := range w.dirs {
		if _, ok := want[dir]; ok {
			continue
		}
		_ = w.fsw.Remove(dir)
		delete(w.dirs, dir)
	}
	return current
}

func (w *InputWatcher) watchedDirCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}
