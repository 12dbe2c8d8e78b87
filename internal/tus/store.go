package tus

import (
	"context"
	"sync"
)

// SessionStore is the persistence boundary for upload sessions. The default
// MemoryStore keeps sessions in process memory, which the protocol permits
// (clients re-discover offsets via HEAD); a database-backed implementation
// can be substituted to survive restarts. Implementations must return
// ErrNotFound for unknown IDs. Callers serialize per-ID access, so stores
// only need to be safe for concurrent use across different IDs.
type SessionStore interface {
	// Save inserts or fully replaces the stored session.
	Save(ctx context.Context, s *Session) error

	// Get returns a snapshot of the session with the given ID.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns snapshots of every stored session, used by the cleanup
	// sweep and the concurrent-upload quota.
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore is the in-process SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}
