// engine.go implements the protocol engine, the transport-neutral core that
// executes tus operations against the session registry and the chunk store.
// The HTTP adapter in internal/api translates requests into the structured
// forms below and maps returned errors onto status codes; the engine itself
// never sees a header or a status line.
package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/upload-registry/upload-registry/internal/storage"
	"github.com/upload-registry/upload-registry/pkg/checksum"
)

// metadataChecksumKey is the Upload-Metadata key that negotiates a mandatory
// per-chunk checksum algorithm for the whole upload.
const metadataChecksumKey = "checksum"

// EngineConfig carries the protocol-level limits the engine enforces.
type EngineConfig struct {
	// MaxSize caps the declared or accumulated size of a single upload in
	// bytes. Zero means unlimited. Advertised via Tus-Max-Size.
	MaxSize int64
}

// Engine executes tus protocol operations. It owns the coordination between
// the registry (offsets, state) and the chunk store (bytes): every mutation
// runs under the upload's exclusive lock, bytes are made durable before the
// registry offset advances, and lifecycle hooks fire at the transitions the
// registry reports.
type Engine struct {
	cfg      EngineConfig
	registry *Registry
	store    storage.ChunkStore
	locker   Locker
	hooks    *Dispatcher
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates a protocol engine. A nil logger falls back to the default
// slog logger.
func NewEngine(cfg EngineConfig, registry *Registry, store storage.ChunkStore, locker Locker, hooks *Dispatcher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if hooks == nil {
		hooks = NewDispatcher(Hooks{})
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		locker:   locker,
		hooks:    hooks,
		log:      log,
		now:      time.Now,
	}
}

// MaxSize returns the configured per-upload size cap, zero when unlimited.
func (e *Engine) MaxSize() int64 { return e.cfg.MaxSize }

// Digest is a parsed Upload-Checksum declaration for one chunk.
type Digest struct {
	Algorithm string
	Sum       []byte
}

// CreateRequest describes a creation operation. Exactly one of Length,
// LengthDeferred, or Concat.IsFinal describes how the upload's size is
// determined.
type CreateRequest struct {
	// Length is the declared total size. Ignored when LengthDeferred or
	// Concat.IsFinal is set.
	Length int64

	// LengthDeferred creates the upload without a known size; a later PATCH
	// must declare it via Upload-Length.
	LengthDeferred bool

	Metadata map[string]string

	Concat Concat

	// Body, when non-nil, carries a first chunk to append immediately after
	// creation (creation-with-upload). BodyLength is its size, -1 if
	// unknown. Checksum optionally covers that first chunk.
	Body       io.Reader
	BodyLength int64
	Checksum   *Digest
}

// Create runs the creation flow: policy hook, session registration, chunk
// resource allocation, and for final concatenated uploads the assembly of the
// partial uploads' bytes. The returned snapshot reflects any first chunk
// appended via creation-with-upload.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	opts := CreateOptions{
		Length:         req.Length,
		LengthDeferred: req.LengthDeferred,
		Metadata:       req.Metadata,
		IsPartial:      req.Concat.IsPartial,
		IsFinal:        req.Concat.IsFinal,
		PartialIDs:     req.Concat.PartialIDs,
	}

	if algo, ok := req.Metadata[metadataChecksumKey]; ok {
		if !checksum.Supported(algo) {
			return nil, ErrChecksumUnsupported
		}
		opts.ChecksumAlgorithm = algo
	}

	if req.Concat.IsFinal {
		if req.LengthDeferred {
			return nil, ErrInvalidConcat
		}
		total, err := e.sizeOfParts(ctx, req.Concat.PartialIDs)
		if err != nil {
			return nil, err
		}
		opts.Length = total
		opts.LengthDeferred = false
		req.Body = nil
	} else if !req.LengthDeferred && req.Length < 0 {
		return nil, ErrInvalidUploadLength
	}

	if e.cfg.MaxSize > 0 && !opts.LengthDeferred && opts.Length > e.cfg.MaxSize {
		return nil, ErrMaxSizeExceeded
	}

	candidate := Session{
		Length:            opts.Length,
		LengthDeferred:    opts.LengthDeferred,
		Metadata:          opts.Metadata,
		ChecksumAlgorithm: opts.ChecksumAlgorithm,
		IsPartial:         opts.IsPartial,
		IsFinal:           opts.IsFinal,
		PartialIDs:        opts.PartialIDs,
	}
	if err := e.hooks.PreCreate(ctx, HookEvent{Upload: candidate}); err != nil {
		return nil, err
	}

	s, err := e.registry.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	allocLength := s.Length
	if s.LengthDeferred {
		allocLength = -1
	}
	if err := e.store.Allocate(ctx, s.ID, allocLength); err != nil {
		// Roll the registration back so a storage failure does not leak a
		// session with no backing resource.
		if rerr := e.registry.Remove(ctx, s.ID); rerr != nil {
			e.log.Error("removing session after failed allocation", "upload_id", s.ID, "error", rerr)
		}
		return nil, wrapStorage(err)
	}

	e.hooks.PostCreate(ctx, HookEvent{Upload: *s})

	if s.IsFinal {
		return e.assembleFinal(ctx, s)
	}

	if req.Body != nil {
		return e.appendChunk(ctx, s, chunk{offset: 0, body: req.Body, length: req.BodyLength, digest: req.Checksum})
	}

	// A zero-length upload is complete the moment it is created.
	if !s.LengthDeferred && s.Length == 0 {
		s, completed, err := e.registry.Advance(ctx, s.ID, 0, 0)
		if err != nil {
			return nil, err
		}
		if completed {
			return e.finishUpload(ctx, s)
		}
		return s, nil
	}

	return s, nil
}

// sizeOfParts validates the partial uploads referenced by a final concat
// request and returns the sum of their lengths.
func (e *Engine) sizeOfParts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrInvalidConcat
	}
	var total int64
	for _, id := range ids {
		p, err := e.lookup(ctx, id)
		if err != nil {
			return 0, err
		}
		if !p.IsPartial {
			return 0, ErrInvalidConcat
		}
		if !p.Complete() {
			return 0, ErrUploadNotFinished
		}
		total += p.Length
	}
	return total, nil
}

// assembleFinal copies the partial uploads' bytes into the final upload's
// resource and completes it. The partials stay untouched until the cleanup
// sweep collects them.
func (e *Engine) assembleFinal(ctx context.Context, s *Session) (*Session, error) {
	n, err := e.store.Concat(ctx, s.ID, s.PartialIDs)
	if err != nil {
		return nil, wrapStorage(err)
	}
	s, completed, err := e.registry.Advance(ctx, s.ID, n, 0)
	if err != nil {
		return nil, err
	}
	if completed {
		return e.finishUpload(ctx, s)
	}
	return s, nil
}

// PatchRequest describes a chunk append. DeclareLength, when non-nil, fixes a
// deferred length before the body (possibly empty) is consumed.
type PatchRequest struct {
	ID     string
	Offset int64

	Body io.Reader

	// BodyLength is the chunk size from Content-Length, -1 when unknown
	// (chunked transfer encoding).
	BodyLength int64

	Checksum *Digest

	DeclareLength *int64
}

// Patch appends a chunk at the given offset. On an offset disagreement it
// reports a ConflictError carrying the authoritative offset and persists
// nothing. With a checksum declaration the chunk is all-or-nothing; without
// one, bytes flushed before an I/O failure are kept and the registry offset
// advances over them so the client resumes past the surviving prefix.
func (e *Engine) Patch(ctx context.Context, req PatchRequest) (*Session, error) {
	lock, err := e.lockUpload(req.ID)
	if err != nil {
		return nil, err
	}
	defer e.unlock(lock, req.ID)

	s, err := e.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if s.IsFinal {
		return nil, ErrModifyFinal
	}
	if s.Offset != req.Offset {
		return nil, &ConflictError{CurrentOffset: s.Offset}
	}

	if req.DeclareLength != nil {
		length := *req.DeclareLength
		if e.cfg.MaxSize > 0 && length > e.cfg.MaxSize {
			return nil, ErrMaxSizeExceeded
		}
		if s, err = e.registry.FinalizeLength(ctx, s.ID, length); err != nil {
			return nil, err
		}
		// Declaring a length equal to the current offset completes the
		// upload without any further bytes.
		if s.Complete() {
			s, completed, err := e.registry.Advance(ctx, s.ID, s.Offset, s.Offset)
			if err != nil {
				return nil, err
			}
			if completed {
				return e.finishUpload(ctx, s)
			}
			return s, nil
		}
	}

	// Retransmission of the last chunk of an already completed upload is
	// acknowledged without touching storage.
	if s.Complete() {
		return s, nil
	}

	return e.appendChunk(ctx, s, chunk{offset: req.Offset, body: req.Body, length: req.BodyLength, digest: req.Checksum})
}

type chunk struct {
	offset int64
	body   io.Reader
	length int64
	digest *Digest
}

// appendChunk streams one chunk into the store and advances the registry over
// the durably persisted bytes. Caller holds the upload's lock (or the upload
// is not yet visible to any other request, during creation-with-upload).
func (e *Engine) appendChunk(ctx context.Context, s *Session, c chunk) (*Session, error) {
	if s.ChecksumAlgorithm != "" {
		if c.digest == nil {
			return nil, ErrChecksumRequired
		}
		if c.digest.Algorithm != s.ChecksumAlgorithm {
			return nil, ErrChecksumAlgorithm
		}
	}

	// Reject oversized chunks up front when the request declares its size.
	if c.length > 0 {
		if !s.LengthDeferred && c.offset+c.length > s.Length {
			return nil, ErrSizeExceeded
		}
		if s.LengthDeferred && e.cfg.MaxSize > 0 && c.offset+c.length > e.cfg.MaxSize {
			return nil, ErrMaxSizeExceeded
		}
	}

	src := c.body
	if src == nil {
		src = io.MultiReader()
	}

	// Never read past the declared size (or the global cap while the size
	// is deferred); surplus bytes in the request body are left unread.
	if !s.LengthDeferred {
		src = io.LimitReader(src, s.Length-c.offset)
	} else if e.cfg.MaxSize > 0 {
		src = io.LimitReader(src, e.cfg.MaxSize-c.offset)
	}

	var verify func() error
	if c.digest != nil {
		v, err := checksum.NewVerifier(c.digest.Algorithm, c.digest.Sum)
		if err != nil {
			return nil, ErrChecksumUnsupported
		}
		src = v.Reader(src)
		verify = func() error {
			if err := v.Verify(); err != nil {
				return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
			}
			return nil
		}
	}

	n, appendErr := e.store.Append(ctx, s.ID, c.offset, src, verify)
	if appendErr != nil && n == 0 {
		if errors.Is(appendErr, ErrChecksumMismatch) {
			return nil, appendErr
		}
		if errors.Is(appendErr, storage.ErrNotExist) {
			return nil, fmt.Errorf("%w: session %s has no chunk resource", ErrStorage, s.ID)
		}
		return nil, wrapStorage(appendErr)
	}

	s, completed, err := e.registry.Advance(ctx, s.ID, c.offset+n, c.offset)
	if err != nil {
		return nil, err
	}
	if appendErr != nil {
		// The flushed prefix is committed; report the failure with the
		// updated snapshot so callers still learn the surviving offset.
		return s, wrapStorage(appendErr)
	}
	if completed {
		return e.finishUpload(ctx, s)
	}
	return s, nil
}

// Head returns the current snapshot of an upload for offset discovery.
func (e *Engine) Head(ctx context.Context, id string) (*Session, error) {
	return e.lookup(ctx, id)
}

// Reader streams the assembled content of a completed upload.
func (e *Engine) Reader(ctx context.Context, id string) (*Session, io.ReadCloser, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !s.Complete() {
		return nil, nil, ErrUploadNotFinished
	}
	rc, err := e.store.Reader(ctx, id)
	if err != nil {
		return nil, nil, wrapStorage(err)
	}
	return s, rc, nil
}

// Terminate removes the upload's session and bytes. The first call wins; a
// repeat reports ErrNotFound.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	lock, err := e.lockUpload(id)
	if err != nil {
		return err
	}
	defer e.unlock(lock, id)

	s, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.registry.Terminate(ctx, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		// The session is gone, so the request succeeded from the client's
		// view; orphaned bytes are a server-side cleanup concern.
		e.log.Error("removing chunk resource for terminated upload", "upload_id", id, "error", err)
	}
	e.hooks.PostTerminate(ctx, HookEvent{Upload: *s})
	return nil
}

// SweepExpired removes every purgeable upload, taking each upload's lock so a
// sweep never races a live request on the same ID. Locked uploads are skipped
// and collected on a later pass. It returns how many uploads were removed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := e.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	removed := 0
	for _, s := range sessions {
		if !e.registry.Purgeable(s, now) {
			continue
		}

		lock, err := e.locker.NewLock(s.ID)
		if err != nil {
			return removed, err
		}
		if err := lock.Lock(); err != nil {
			if errors.Is(err, ErrUploadLocked) {
				continue
			}
			return removed, err
		}

		if err := e.sweepOne(ctx, s.ID, now); err != nil {
			e.unlock(lock, s.ID)
			return removed, err
		}
		e.unlock(lock, s.ID)
		removed++
	}
	return removed, nil
}

// sweepOne re-reads and removes a single purgeable upload under its lock. The
// re-read closes the window where a request advanced the upload between the
// list and the lock acquisition.
func (e *Engine) sweepOne(ctx context.Context, id string, now time.Time) error {
	s, err := e.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !e.registry.Purgeable(s, now) {
		return nil
	}

	if err := e.registry.Remove(ctx, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		e.log.Error("removing chunk resource for expired upload", "upload_id", id, "error", err)
	}

	// An upload reaped before it finished is a termination from the
	// client's perspective; a completed upload aging out is not.
	if !s.Complete() {
		e.hooks.PostTerminate(ctx, HookEvent{Upload: *s})
	}
	e.log.Info("removed expired upload", "upload_id", id, "offset", s.Offset, "state", string(s.State))
	return nil
}

// finishUpload finalizes the chunk resource, records its reference, and fires
// the completion hook. The registry's Advance contract guarantees this runs
// at most once per upload.
func (e *Engine) finishUpload(ctx context.Context, s *Session) (*Session, error) {
	ref, err := e.store.Finalize(ctx, s.ID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	if err := e.registry.SetStorageRef(ctx, s.ID, ref); err != nil {
		return nil, err
	}
	s.StorageRef = ref
	e.hooks.PostComplete(ctx, HookEvent{Upload: *s, Path: ref})
	return s, nil
}

// lookup fetches a session, treating one past its expiry deadline as gone
// even if the sweep has not collected it yet.
func (e *Engine) lookup(ctx context.Context, id string) (*Session, error) {
	s, err := e.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(e.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (e *Engine) lockUpload(id string) (Lock, error) {
	lock, err := e.locker.NewLock(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}

func (e *Engine) unlock(lock Lock, id string) {
	if err := lock.Unlock(); err != nil {
		e.log.Error("releasing upload lock", "upload_id", id, "error", err)
	}
}
