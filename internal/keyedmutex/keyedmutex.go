// Package keyedmutex serializes operations per issue id, the
// per-issue actor spec §5 and §9 call for in place of one global lock.
// No library in the retrieved corpus provides this primitive (x/sync
// ships errgroup/singleflight/semaphore, not a keyed mutex), so this
// is a small stdlib sync.Mutex wrapper.
package keyedmutex

import (
	"sort"
	"sync"
)

// Map hands out per-key mutexes, reference-counted so idle keys don't
// accumulate forever.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refCount int
}

// New creates an empty keyed mutex map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it if necessary, and
// returns an unlock function. Safe for concurrent use across many
// keys; operations on the same key serialize.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refCount++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// LockMany acquires locks for every key in keys, in ascending
// lexicographic order, to match the deterministic ordering the
// Rebalancer needs to avoid deadlock across a multi-issue pass (spec
// §5). Returns a single unlock function releasing them all in reverse
// order. Duplicate keys are locked once.
func (m *Map) LockMany(keys []string) func() {
	seen := make(map[string]bool, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			ordered = append(ordered, k)
		}
	}
	sort.Strings(ordered)

	unlocks := make([]func(), 0, len(ordered))
	for _, k := range ordered {
		unlocks = append(unlocks, m.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
