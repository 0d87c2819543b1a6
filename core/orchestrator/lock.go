package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLock is a set of non blocking per document locks.
type keyedLock struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: map[uuid.UUID]struct{}{}}
}

// TryLock takes the lock of key. It returns false if the lock is already held.
func (l *keyedLock) TryLock(key uuid.UUID) (unlock func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether key is locked.
func (l *keyedLock) Held(key uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
