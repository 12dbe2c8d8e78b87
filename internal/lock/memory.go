// Package lock provides the upload lockers: an in-process implementation for
// single-instance deployments and a Redis-backed one for fleets that share an
// upload directory. Both hand out non-blocking exclusive locks keyed by
// upload ID, per the tus.Locker contract.
package lock

import (
	"sync"

	"github.com/upload-registry/upload-registry/internal/tus"
)

// MemoryLocker is the in-process tus.Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) NewLock(id string) (tus.Lock, error) {
	return &memoryLock{locker: l, id: id}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	id     string
}

func (m *memoryLock) Lock() error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if _, taken := m.locker.held[m.id]; taken {
		return tus.ErrUploadLocked
	}
	m.locker.held[m.id] = struct{}{}
	return nil
}

func (m *memoryLock) Unlock() error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	delete(m.locker.held, m.id)
	return nil
}
