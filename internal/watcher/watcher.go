// Package watcher turns filesystem notifications into WatchEvents for the
// serve coordinator.
package watcher

import (
	"context"
	"iter"
	"path/filepath"

	"github.com/conneroisu/docserve/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// EventKind represents the type of file change.
type EventKind int

const (
	Create EventKind = iota
	Modify
	Remove
)

// String returns the string representation of the EventKind
func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// WatchEvent is one filesystem notification.
type WatchEvent struct {
	Kind  EventKind
	Paths []string
}

// eventBuffer bounds how far the fsnotify loop runs ahead of the consumer.
const eventBuffer = 64

// kindOf maps an fsnotify op to an EventKind. Chmod-only events are dropped.
func kindOf(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Create, true
	case op.Has(fsnotify.Write):
		return Modify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Remove, true
	default:
		return 0, false
	}
}

// handleFunc converts a raw notification. Returning false drops it.
type handleFunc func(ev fsnotify.Event, kind EventKind) (WatchEvent, bool)

// watchLoop pumps fsnotify events through handle into out until ctx ends,
// then closes the fsnotify watcher and out.
func watchLoop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- WatchEvent, logger logging.Logger, handle handleFunc) {
	defer close(out)
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			kind, ok := kindOf(ev.Op)
			if !ok {
				continue
			}
			we, ok := handle(ev, kind)
			if !ok {
				continue
			}
			select {
			case out <- we:
			case <-ctx.Done():
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			// Log error but continue watching
			logger.Warn(ctx, err, "File watcher error")
		}
	}
}

// sequence exposes a channel as a lazy, unbounded iterator.
func sequence(ch <-chan WatchEvent) iter.Seq[WatchEvent] {
	return func(yield func(WatchEvent) bool) {
		for ev := range ch {
			if !yield(ev) {
				return
			}
		}
	}
}

func single(kind EventKind, path string) WatchEvent {
	return WatchEvent{Kind: kind, Paths: []string{filepath.Clean(path)}}
}
