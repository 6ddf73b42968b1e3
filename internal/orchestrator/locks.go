package orchestrator

import "sync"

// SessionLocks serializes turns per session. Entries exist only while a
// session is locked or waited on.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: map[string]*sessionLock{}}
}

// Lock blocks until no other turn holds the session and returns the
// unlock func.
func (l *SessionLocks) Lock(sessionID string) func() {
	e := l.acquire(sessionID)
	e.mu.Lock()
	return l.unlocker(sessionID, e)
}

// TryLock is Lock without waiting; ok is false when a turn is running.
func (l *SessionLocks) TryLock(sessionID string) (unlock func(), ok bool) {
	e := l.acquire(sessionID)
	if !e.mu.TryLock() {
		l.release(sessionID, e)
		return nil, false
	}
	return l.unlocker(sessionID, e), true
}

func (l *SessionLocks) acquire(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[sessionID]
	if !ok {
		e = &sessionLock{}
		l.locks[sessionID] = e
	}
	e.refs++
	return e
}

func (l *SessionLocks) release(sessionID string, e *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, sessionID)
	}
}

func (l *SessionLocks) unlocker(sessionID string, e *sessionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.release(sessionID, e)
		})
	}
}
