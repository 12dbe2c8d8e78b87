// Package local provides filesystem-backed chunk storage.
//
// Each upload owns two files under the configured directory: <id>.bin holds
// the payload bytes, and <id>.info is a small JSON record of the durably
// committed tail. The tail record is only advanced after the payload file was
// fsynced, and the record itself is replaced atomically (write to a temp file,
// fsync, rename), so a crash at any point leaves the tail pointing at bytes
// that actually survive on disk.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.ChunkStore, error) {
		return NewLocalStore(cfg.Storage.Local.Directory)
	})
}

// LocalStore implements storage.ChunkStore on a local directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a local chunk store rooted at dir, creating the
// directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage directory not configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

// infoRecord is the persisted tail record for one upload.
type infoRecord struct {
	// Tail is the number of payload bytes known to be on stable storage.
	Tail int64 `json:"tail"`

	// Length is the declared total size, -1 while deferred. Kept so the
	// store can be inspected on disk without the session registry.
	Length int64 `json:"length"`
}

func (s *LocalStore) binPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

func (s *LocalStore) infoPath(id string) string {
	return filepath.Join(s.dir, id+".info")
}

// validID rejects IDs that could escape the storage directory. Upload IDs are
// generated UUIDs, so anything with a separator is hostile input.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid upload id %q", id)
	}
	return nil
}

func (s *LocalStore) Allocate(ctx context.Context, id string, length int64) error {
	if err := validID(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.binPath(id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("allocating payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing payload file: %w", err)
	}
	if err := s.writeInfo(id, infoRecord{Tail: 0, Length: length}); err != nil {
		os.Remove(s.binPath(id))
		return err
	}
	return nil
}

func (s *LocalStore) readInfo(id string) (infoRecord, error) {
	data, err := os.ReadFile(s.infoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return infoRecord{}, storage.ErrNotExist
		}
		return infoRecord{}, fmt.Errorf("reading tail record: %w", err)
	}
	var rec infoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return infoRecord{}, fmt.Errorf("decoding tail record: %w", err)
	}
	return rec, nil
}

// writeInfo replaces the tail record atomically.
func (s *LocalStore) writeInfo(id string, rec infoRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding tail record: %w", err)
	}
	tmp := s.infoPath(id) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("writing tail record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing tail record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing tail record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing tail record: %w", err)
	}
	if err := os.Rename(tmp, s.infoPath(id)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing tail record: %w", err)
	}
	return nil
}

func (s *LocalStore) Append(ctx context.Context, id string, offset int64, src io.Reader, verify func() error) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	rec, err := s.readInfo(id)
	if err != nil {
		return 0, err
	}
	if rec.Tail != offset {
		return 0, fmt.Errorf("%w: tail is %d, append starts at %d", storage.ErrTailMismatch, rec.Tail, offset)
	}

	f, err := os.OpenFile(s.binPath(id), os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrNotExist
		}
		return 0, fmt.Errorf("opening payload file: %w", err)
	}
	defer f.Close()

	// Truncate any bytes a previous failed append left past the committed
	// tail before writing the new chunk after it.
	if err := f.Truncate(rec.Tail); err != nil {
		return 0, fmt.Errorf("truncating to committed tail: %w", err)
	}
	if _, err := f.Seek(rec.Tail, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking to tail: %w", err)
	}

	n, copyErr := io.Copy(f, src)
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing payload file: %w", err)
	}

	if copyErr != nil {
		if verify != nil {
			// The chunk carries a checksum over its full body, so a
			// truncated stream can never be accepted. Roll back.
			if terr := f.Truncate(rec.Tail); terr != nil {
				return 0, fmt.Errorf("rolling back partial chunk: %v (copy failed: %w)", terr, copyErr)
			}
			return 0, fmt.Errorf("copying chunk: %w", copyErr)
		}
		// Keep the flushed prefix: commit the tail over what survived and
		// report both the progress and the failure.
		if ierr := s.writeInfo(id, infoRecord{Tail: rec.Tail + n, Length: rec.Length}); ierr != nil {
			return 0, ierr
		}
		return n, fmt.Errorf("copying chunk: %w", copyErr)
	}

	if verify != nil {
		if err := verify(); err != nil {
			if terr := f.Truncate(rec.Tail); terr != nil {
				return 0, fmt.Errorf("rolling back rejected chunk: %v (rejected: %w)", terr, err)
			}
			return 0, err
		}
	}

	if err := s.writeInfo(id, infoRecord{Tail: rec.Tail + n, Length: rec.Length}); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *LocalStore) Tail(ctx context.Context, id string) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	rec, err := s.readInfo(id)
	if err != nil {
		return 0, err
	}
	return rec.Tail, nil
}

func (s *LocalStore) Reader(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	rec, err := s.readInfo(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.binPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotExist
		}
		return nil, fmt.Errorf("opening payload file: %w", err)
	}
	// Expose only committed bytes, not a possibly longer dirty file.
	return readCloser{Reader: io.LimitReader(f, rec.Tail), f: f}, nil
}

type readCloser struct {
	io.Reader
	f *os.File
}

func (r readCloser) Close() error { return r.f.Close() }

func (s *LocalStore) Concat(ctx context.Context, destID string, srcIDs []string) (int64, error) {
	if err := validID(destID); err != nil {
		return 0, err
	}
	rec, err := s.readInfo(destID)
	if err != nil {
		return 0, err
	}
	if rec.Tail != 0 {
		return 0, fmt.Errorf("%w: concat destination already holds %d bytes", storage.ErrTailMismatch, rec.Tail)
	}

	f, err := os.OpenFile(s.binPath(destID), os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrNotExist
		}
		return 0, fmt.Errorf("opening concat destination: %w", err)
	}
	defer f.Close()

	var total int64
	for _, srcID := range srcIDs {
		src, err := s.Reader(ctx, srcID)
		if err != nil {
			return 0, fmt.Errorf("opening concat source %s: %w", srcID, err)
		}
		n, err := io.Copy(f, src)
		src.Close()
		if err != nil {
			return 0, fmt.Errorf("copying concat source %s: %w", srcID, err)
		}
		total += n
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing concat destination: %w", err)
	}
	if err := s.writeInfo(destID, infoRecord{Tail: total, Length: rec.Length}); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *LocalStore) Finalize(ctx context.Context, id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if _, err := s.readInfo(id); err != nil {
		return "", err
	}
	return s.binPath(id), nil
}

func (s *LocalStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(s.binPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing payload file: %w", err)
	}
	if err := os.Remove(s.infoPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing tail record: %w", err)
	}
	return nil
}
