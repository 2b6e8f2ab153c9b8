// Package fingerprint tracks content hashes of the input files that were last
// rendered, so that chatty or duplicated filesystem notifications for the same
// logical edit do not cause redundant renders.
package fingerprint

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Sum is a 64-bit content fingerprint.
type Sum uint64

// String formats the fingerprint as fixed-width hex.
func (s Sum) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// File computes the fingerprint of a file's content.
func File(path string) (Sum, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, f); err != nil {
		return 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return Sum(digest.Sum64()), nil
}

// Cache maps input paths to the fingerprint of the version last rendered.
// Entries live for the whole session.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Sum
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Sum)}
}

// Changed reports whether path's current content differs from the last
// recorded fingerprint. The current fingerprint is returned so it can be
// recorded without hashing twice.
func (c *Cache) Changed(path string) (Sum, bool, error) {
	sum, err := File(path)
	if err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[path]
	return sum, !ok || prev != sum, nil
}

// Update fingerprints paths and records every one whose content differs
// from the last recorded fingerprint, returning those paths in order. The
// comparison and the record happen under one lock, so concurrent callers
// never both claim the same content. If any path cannot be hashed nothing
// is recorded.
func (c *Cache) Update(paths ...string) ([]string, error) {
	sums := make([]Sum, len(paths))
	for i, path := range paths {
		sum, err := File(path)
		if err != nil {
			return nil, err
		}
		sums[i] = sum
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var changed []string
	for i, path := range paths {
		if prev, ok := c.entries[path]; ok && prev == sums[i] {
			continue
		}
		c.entries[path] = sums[i]
		changed = append(changed, path)
	}
	return changed, nil
}

// Record stores sum as the last rendered fingerprint of path.
func (c *Cache) Record(path string, sum Sum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = sum
}

// Get returns the recorded fingerprint for path.
func (c *Cache) Get(path string) (Sum, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum, ok := c.entries[path]
	return sum, ok
}

// Len returns the number of tracked inputs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
