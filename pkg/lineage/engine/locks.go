package engine

import (
	"sync"

	"github.com/haivivi/lineage/pkg/lineage"
)

// sessionLocks hands out one mutex per session. Entries are reference
// counted and removed when the last holder unlocks, so the map only holds
// sessions with writers in flight.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[lineage.SessionID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[lineage.SessionID]*sessionLock)}
}

// lock blocks until the caller holds the lock of id and returns the
// function that releases it.
func (s *sessionLocks) lock(id lineage.SessionID) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// len reports how many sessions currently have a lock entry.
func (s *sessionLocks) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
