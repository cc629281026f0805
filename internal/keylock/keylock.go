// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

// Locker hands out one mutex per key and forgets keys nobody holds.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	current, ok := l.locks[key]
	if !ok {
		current = &entry{}
		l.locks[key] = current
	}
	current.refs++
	l.mu.Unlock()

	current.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			current.mu.Unlock()
			l.mu.Lock()
			current.refs--
			if current.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
