package conversation

import (
	"context"
	"sort"
	"sync"
)

// Store keeps conversation states between turns.
type Store interface {
	// Get returns ErrNotFound when the session does not exist.
	Get(ctx context.Context, sessionID string) (State, error)
	// Create returns ErrExists when the session is already present.
	Create(ctx context.Context, s State) error
	// Put inserts or replaces.
	Put(ctx context.Context, s State) error
	// Delete returns ErrNotFound when the session does not exist.
	Delete(ctx context.Context, sessionID string) error
	// List returns every state ordered by session id.
	List(ctx context.Context) ([]State, error)
}

// MemoryStore is a process-local Store. States are immutable, so values are
// stored and returned without copying.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]State{}}
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return State{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Create(ctx context.Context, s State) error {
	if err := ValidateSessionID(s.SessionID()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID()]; ok {
		return ErrExists
	}
	m.sessions[s.SessionID()] = s
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, s State) error {
	if err := ValidateSessionID(s.SessionID()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID()] = s
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]State, error) {
	m.mu.RLock()
	out := make([]State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out, nil
}
