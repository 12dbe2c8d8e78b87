package tus

// Locker hands out exclusive per-upload locks. Every mutating operation on an
// upload ID (chunk appends, length declaration, termination, and the cleanup
// sweep's deletion of that ID) runs under the ID's lock, so operations on
// the same upload never interleave while operations on distinct uploads
// proceed independently.
//
// The in-process implementation lives in internal/lock/memory; a Redis-backed
// implementation covers deployments where several server instances share the
// same upload directory.
type Locker interface {
	// NewLock returns an unlocked lock handle for the given upload ID.
	NewLock(id string) (Lock, error)
}

// Lock is an exclusive lock for one upload ID.
type Lock interface {
	// Lock acquires the lock. If the upload is already locked by a
	// concurrent request, ErrUploadLocked is returned rather than blocking:
	// a second writer racing on the same offset is a protocol violation the
	// client must resolve, not a transient condition worth queueing behind.
	Lock() error

	// Unlock releases the lock. It must be called on every exit path.
	Unlock() error
}
