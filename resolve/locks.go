package resolve

import "sync"

// Lock-key namespaces. Every multi-lock acquisition follows the global
// order source < type < entity (entity keys sorted among themselves), so
// lock cycles cannot form.
const (
	lockSource = "source/"
	lockType   = "type/"
	lockEntity = "entity/"
)

// keyedLocks serializes operations per logical key: one writer per
// (source, external id) pair, per entity type during candidate matching,
// and per entity id during mutation. Handles are created on first use and
// dropped once the last holder releases, so the table stays proportional
// to in-flight operations rather than to the graph.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockHandle
}

type lockHandle struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockHandle)}
}

// Lock blocks until the key is exclusively held.
func (k *keyedLocks) Lock(key string) {
	k.mu.Lock()
	handle, ok := k.locks[key]
	if !ok {
		handle = &lockHandle{}
		k.locks[key] = handle
	}
	handle.refs++
	k.mu.Unlock()

	handle.mu.Lock()
}

// Unlock releases the key and drops the handle once nobody waits on it.
func (k *keyedLocks) Unlock(key string) {
	k.mu.Lock()
	handle, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("resolve: unlock of unheld key " + key)
	}
	handle.refs--
	if handle.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	handle.mu.Unlock()
}

// LockPair acquires two entity keys in sorted order so concurrent merges
// touching the same entities cannot deadlock. Identical keys are locked
// once; the matching UnlockPair call mirrors that.
func (k *keyedLocks) LockPair(a, b string) {
	if a == b {
		k.Lock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	k.Lock(a)
	k.Lock(b)
}

func (k *keyedLocks) UnlockPair(a, b string) {
	if a == b {
		k.Unlock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	k.Unlock(b)
	k.Unlock(a)
}
