package watcher

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/docserve/internal/errors"
	"github.com/conneroisu/docserve/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// skipDirs are never descended into when watching the output tree.
var skipDirs = map[string]bool{
	".git":         true,
	".jj":          true,
	"node_modules": true,
}

// OutputWatcher watches the output directory tree recursively.
type OutputWatcher struct {
	root    string
	exclude []string
	logger  logging.Logger
	events  chan WatchEvent
}

// NewOutputWatcher creates a watcher for the tree rooted at root. Subtrees
// listed in exclude, such as a staging directory placed inside the output,
// are neither watched nor reported.
func NewOutputWatcher(root string, logger logging.Logger, exclude ...string) *OutputWatcher {
	w := &OutputWatcher{
		root:   root,
		logger: logger.WithComponent("output_watcher"),
		events: make(chan WatchEvent, eventBuffer),
	}
	for _, dir := range exclude {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			w.exclude = append(w.exclude, abs)
		}
	}
	return w
}

// Start adds every directory under root. Running out of watch descriptors
// or a missing root is reported as a watch setup error; nothing is left
// running in that case.
func (w *OutputWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.ErrWatchSetup(w.root, err)
	}
	if err := w.addTree(fsw, w.root); err != nil {
		fsw.Close()
		return errors.ErrWatchSetup(w.root, err)
	}

	go watchLoop(ctx, fsw, w.events, w.logger, func(ev fsnotify.Event, kind EventKind) (WatchEvent, bool) {
		if w.excluded(ev.Name) {
			return WatchEvent{}, false
		}
		if kind == Create {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDirs[info.Name()] {
				if err := w.addTree(fsw, ev.Name); err != nil {
					w.logger.Warn(ctx, err, "Failed to watch new output directory", "dir", ev.Name)
				}
			}
		}
		return single(kind, ev.Name), true
	})
	return nil
}

// Events returns the sequence of events. It ends once the watcher stops.
func (w *OutputWatcher) Events() iter.Seq[WatchEvent] {
	return sequence(w.events)
}

func (w *OutputWatcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *OutputWatcher) excluded(path string) bool {
	for _, dir := range w.exclude {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
