package store

import "sync"

// Locks hands out one mutex per document id. Components that read a document,
// change it in memory and write it back hold the document's lock for the
// whole cycle.
type Locks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]*lockEntry)}
}

// Lock blocks until the lock for key is acquired and returns its release
// function.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.held[key]
	if !ok {
		entry = &lockEntry{}
		l.held[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
