package container

import "sync"

// sessionLocks provides a mutex per session ID. Lifecycle operations
// (materialize, suspend, destroy) hold the session's lock for their whole
// duration; file and execution operations never take it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for sessionID, creating it on first use
func (s *sessionLocks) Lock(sessionID string) {
	s.mu.Lock()
	e, ok := s.locks[sessionID]
	if !ok {
		e = &lockEntry{}
		s.locks[sessionID] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for sessionID, discarding it once unused
func (s *sessionLocks) Unlock(sessionID string) {
	s.mu.Lock()
	e, ok := s.locks[sessionID]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(s.locks, sessionID)
		}
	}
	s.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
