package tus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegistryConfig carries the session-lifecycle knobs the registry owns.
type RegistryConfig struct {
	// TTL is how long a session lives without activity. Zero disables
	// expiry.
	TTL time.Duration

	// MaxConcurrent caps the number of live sessions. Zero means unlimited.
	MaxConcurrent int

	// RetainCompleted keeps completed uploads on disk and queryable via
	// HEAD until their TTL expires. When false, completed uploads are
	// removed by the next cleanup sweep.
	RetainCompleted bool
}

// Registry is the authoritative directory of upload sessions. All offset and
// state bookkeeping flows through it; the chunk store only ever holds bytes.
// Mutating methods on the same ID must be serialized by the caller (the
// engine's per-ID lock); the registry itself only guards ID allocation and
// the quota check.
type Registry struct {
	store SessionStore
	cfg   RegistryConfig
	now   func() time.Time

	// createMu serializes the quota check against session insertion so two
	// racing creations cannot both pass the limit.
	createMu sync.Mutex
}

// NewRegistry creates a registry over the given session store.
func NewRegistry(store SessionStore, cfg RegistryConfig) *Registry {
	return &Registry{store: store, cfg: cfg, now: time.Now}
}

// CreateOptions are the immutable attributes fixed at session creation.
type CreateOptions struct {
	Length            int64
	LengthDeferred    bool
	Metadata          map[string]string
	ChecksumAlgorithm string
	IsPartial         bool
	IsFinal           bool
	PartialIDs        []string
}

// Create allocates a fresh session in state Created with offset zero. It
// fails with ErrTooManyUploads when the concurrent-upload limit is reached.
// Only sessions still accepting bytes count against the limit: completed and
// expired-but-unswept sessions do not block new creations between cleanup
// passes.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.cfg.MaxConcurrent > 0 {
		n, err := r.countActive(ctx)
		if err != nil {
			return nil, err
		}
		if n >= r.cfg.MaxConcurrent {
			return nil, ErrTooManyUploads
		}
	}

	now := r.now()
	s := &Session{
		ID:                uuid.NewString(),
		Length:            opts.Length,
		LengthDeferred:    opts.LengthDeferred,
		Metadata:          opts.Metadata,
		ChecksumAlgorithm: opts.ChecksumAlgorithm,
		CreatedAt:         now,
		State:             StateCreated,
		IsPartial:         opts.IsPartial,
		IsFinal:           opts.IsFinal,
		PartialIDs:        opts.PartialIDs,
	}
	if r.cfg.TTL > 0 {
		s.ExpiresAt = now.Add(r.cfg.TTL)
	}

	if err := r.store.Save(ctx, s); err != nil {
		return nil, wrapStorage(err)
	}
	return s.Clone(), nil
}

// countActive counts the sessions that count against the concurrent-upload
// quota.
func (r *Registry) countActive(ctx context.Context) (int, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return 0, wrapStorage(err)
	}
	now := r.now()
	n := 0
	for _, s := range sessions {
		if s.Complete() || s.Expired(now) {
			continue
		}
		n++
	}
	return n, nil
}

// Get returns a snapshot of the session, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	return r.store.Get(ctx, id)
}

// Advance atomically moves the session's offset to newOffset, flipping state
// to InProgress or Completed as the invariants imply, and refreshes the
// expiry deadline. The caller's expectedOffset must equal the stored offset;
// a disagreement reports ConflictError carrying the authoritative value.
// The returned completed flag is true only on the transition into Completed,
// so the completion hook fires exactly once even under racing writers.
func (r *Registry) Advance(ctx context.Context, id string, newOffset, expectedOffset int64) (s *Session, completed bool, err error) {
	s, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if s.Offset != expectedOffset {
		return nil, false, &ConflictError{CurrentOffset: s.Offset}
	}
	if newOffset < s.Offset {
		// The chunk store can never report a shorter tail than what was
		// already committed; this is a defect, not a client error.
		return nil, false, fmt.Errorf("registry invariant violation: offset for %s would move backwards (%d -> %d)", id, s.Offset, newOffset)
	}
	if !s.LengthDeferred && newOffset > s.Length {
		return nil, false, ErrSizeExceeded
	}

	wasComplete := s.State == StateCompleted
	s.Offset = newOffset
	if s.Complete() {
		s.State = StateCompleted
	} else if s.Offset > 0 {
		s.State = StateInProgress
	}
	if r.cfg.TTL > 0 {
		s.ExpiresAt = r.now().Add(r.cfg.TTL)
	}

	if err := r.store.Save(ctx, s); err != nil {
		return nil, false, wrapStorage(err)
	}
	return s.Clone(), s.Complete() && !wasComplete, nil
}

// FinalizeLength fixes the total size of a deferred-length session. It fails
// with ErrLengthAlreadyKnown if the length was declared before, and with
// ErrSizeExceeded if more bytes were already persisted than the proposed
// length allows.
func (r *Registry) FinalizeLength(ctx context.Context, id string, length int64) (*Session, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.LengthDeferred {
		return nil, ErrLengthAlreadyKnown
	}
	if length < 0 {
		return nil, ErrInvalidUploadLength
	}
	if s.Offset > length {
		return nil, ErrSizeExceeded
	}

	s.Length = length
	s.LengthDeferred = false
	if err := r.store.Save(ctx, s); err != nil {
		return nil, wrapStorage(err)
	}
	return s.Clone(), nil
}

// SetStorageRef records the finalized chunk resource reference on a completed
// session.
func (r *Registry) SetStorageRef(ctx context.Context, id, ref string) error {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.StorageRef = ref
	if err := r.store.Save(ctx, s); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// Terminate removes the session. The first call succeeds; a second reports
// ErrNotFound because the session no longer exists.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// Remove deletes a session by ID without the existence check. Used by the
// cleanup sweep after it has already inspected the session under lock.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// List returns snapshots of all live sessions.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	return r.store.List(ctx)
}

// Purgeable reports whether a session is eligible for removal by a sweep at
// the given time: its expiry deadline has passed, or it is completed and
// completed uploads are not retained.
func (r *Registry) Purgeable(s *Session, now time.Time) bool {
	if s.Expired(now) {
		return true
	}
	return s.Complete() && !r.cfg.RetainCompleted
}

// Sweep removes and returns every session that is purgeable at the given
// time. It is the bulk form of the cleanup pass; the engine's scheduler uses
// the per-ID form so sweeps never interleave with live requests on the same
// upload.
func (r *Registry) Sweep(ctx context.Context, now time.Time) ([]*Session, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, wrapStorage(err)
	}

	var removed []*Session
	for _, s := range sessions {
		if !r.Purgeable(s, now) {
			continue
		}
		if err := r.store.Delete(ctx, s.ID); err != nil {
			return removed, wrapStorage(err)
		}
		removed = append(removed, s)
	}
	return removed, nil
}
