// Package reconcile implements the per-entity reconciliation state machine
// (spec §4.6): Process/Create/Update/Delete/Apply, dispatched by a pool of
// workers that dequeue WorkItems and serialize access per InternalKey.
package reconcile

import "sync"

// Locker is a keyed, non-blocking try-lock (SPEC_FULL.md §4.6). At most
// one caller holds a given key at a time; a contended TryAcquire returns
// false immediately instead of waiting, matching spec.md §4.6's "a failed
// acquisition abandons the item with a short backoff."
//
// No library in the retrieval pack offers this shape — x/sync/singleflight
// deduplicates concurrent callers of the *same* work by sharing one
// result, which is wrong here: two queued items for the same InternalKey
// are two distinct state-machine steps that must each run, never
// overlapping (DESIGN.md).
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryAcquire reports whether key was free, marking it held if so.
func (l *Locker) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.held[key]; held {
		return false
	}

	l.held[key] = struct{}{}

	return true
}

// Release frees key for the next acquirer. Releasing an unheld key is a
// no-op.
func (l *Locker) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
}
