package watcher

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/conneroisu/docserve/internal/logging"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 100 * time.Millisecond

// OutputPoller detects changes to a single output file by modification time.
type OutputPoller struct {
	file     func() string
	interval time.Duration
	logger   logging.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewOutputPoller creates a poller. file is resolved on every tick.
func NewOutputPoller(file func() string, interval time.Duration, logger logging.Logger) *OutputPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &OutputPoller{
		file:     file,
		interval: interval,
		logger:   logger.WithComponent("output_poller"),
		last:     make(map[string]time.Time),
	}
}

// Tick performs one poll and reports whether the file changed since the
// previous observation of the same path. The first observation of a path
// only records a baseline; baselines are kept per path, so switching back to
// an earlier file compares against what was seen for it.
func (p *OutputPoller) Tick() bool {
	path := p.file()
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	mod := info.ModTime()
	prev, seen := p.last[path]
	p.last[path] = mod
	return seen && !mod.Equal(prev)
}

// Run polls until ctx ends, calling onChange after every detected change.
func (p *OutputPoller) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug(ctx, "Polling output file", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.Tick() {
				onChange(ctx)
			}
		}
	}
}
