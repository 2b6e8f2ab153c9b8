// Package serve coordinates watching, rendering, staging and live reload for
// a previewed project.
package serve

import (
	"path/filepath"
	"sync"
)

// Decision describes what a batch of filesystem changes requires. A nil
// *Decision means no action.
type Decision struct {
	// Config is set when project configuration changed or a tracked input
	// disappeared.
	Config bool
	// Output is set when rendered output changed.
	Output bool
}

// MergeDecisions ORs two decisions so that no raised flag is lost while a
// batch is being debounced.
func MergeDecisions(a, b Decision) Decision {
	return Decision{
		Config: a.Config || b.Config,
		Output: a.Output || b.Output,
	}
}

// ModifiedLog records paths modified since the last reload cycle.
type ModifiedLog struct {
	mu    sync.Mutex
	paths []string
}

// Append records paths in arrival order.
func (l *ModifiedLog) Append(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, paths...)
}

// Len returns the number of recorded paths, duplicates included.
func (l *ModifiedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.paths)
}

// Drain returns the recorded paths with duplicates removed and clears the
// log. A path that was modified more than once is ordered by its latest
// modification.
func (l *ModifiedLog) Drain() []string {
	l.mu.Lock()
	paths := l.paths
	l.paths = nil
	l.mu.Unlock()

	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for i := len(paths) - 1; i >= 0; i-- {
		if _, ok := seen[paths[i]]; ok {
			continue
		}
		seen[paths[i]] = struct{}{}
		out = append(out, paths[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// lastWithExt returns the most recent path in paths with extension ext.
func lastWithExt(paths []string, ext string) string {
	for i := len(paths) - 1; i >= 0; i-- {
		if filepath.Ext(paths[i]) == ext {
			return paths[i]
		}
	}
	return ""
}
