package manager

import "sync"

// keyedMutex serializes work per key without a global lock. Entries are
// reference counted and removed when the last holder unlocks.
type keyedMutex[K comparable] struct {
	mu sync.Mutex
	m  map[K]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{m: map[K]*keyedEntry{}}
}

// Lock blocks until k is free and returns its unlock func.
func (km *keyedMutex[K]) Lock(k K) (unlock func()) {
	km.mu.Lock()
	e, ok := km.m[k]
	if !ok {
		e = &keyedEntry{}
		km.m[k] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.m, k)
		}
		km.mu.Unlock()
	}
}

func (km *keyedMutex[K]) len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.m)
}
