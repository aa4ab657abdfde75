// Package dedup implements incremental upserts: each target owns an index of
// identity key to content hash, preloaded from storage, that decides whether a
// record is inserted, updated, or left unchanged.
package dedup

import (
	"sync"
)

// Index is the dedup index of a single target. Entries are never removed
// during a run.
type Index struct {
	// writeMu serializes lookup-then-write for the target.
	writeMu sync.Mutex

	mu     sync.RWMutex
	hashes map[string]string
	loaded bool
	halted error
}

// Lookup returns the last-seen content hash for key.
func (i *Index) Lookup(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	h, ok := i.hashes[key]
	return h, ok
}

// Len returns the number of indexed identity keys.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.hashes)
}

// Halted returns the storage error that stopped this target's writer, if any.
func (i *Index) Halted() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.halted
}

func (i *Index) replace(hashes map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if hashes == nil {
		hashes = make(map[string]string)
	}
	i.hashes = hashes
	i.loaded = true
}

func (i *Index) isLoaded() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.loaded
}

func (i *Index) apply(staged map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, h := range staged {
		i.hashes[k] = h
	}
}

func (i *Index) halt(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.halted == nil {
		i.halted = err
	}
}

// Arena holds one Index per target key.
type Arena struct {
	mu      sync.Mutex
	indexes map[string]*Index
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{indexes: make(map[string]*Index)}
}

// For returns the index for target, creating it on first use.
func (a *Arena) For(target string) *Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.indexes[target]
	if !ok {
		idx = &Index{hashes: make(map[string]string)}
		a.indexes[target] = idx
	}
	return idx
}
