package merge

import (
	"sync"

	"github.com/placemerge/placemerge/internal/directory"
)

// idLocks hands out one mutex per entity ID so merges against distinct
// entities proceed in parallel while merges against the same entity
// serialize. Lock entries are never reclaimed; entity counts stay small
// enough that this is not a concern.
type idLocks struct {
	mu    sync.Mutex
	locks map[directory.EntityID]*sync.Mutex
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[directory.EntityID]*sync.Mutex)}
}

// lock acquires the mutex for id and returns its release func.
func (l *idLocks) lock(id directory.EntityID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
