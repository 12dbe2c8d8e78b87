package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/upload-registry/upload-registry/internal/storage"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func appendString(t *testing.T, s *LocalStore, id string, offset int64, payload string) int64 {
	t.Helper()
	n, err := s.Append(context.Background(), id, offset, strings.NewReader(payload), nil)
	if err != nil {
		t.Fatalf("Append at %d: %v", offset, err)
	}
	return n
}

func TestLocalStore_AllocateAppendRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 11); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if n := appendString(t, s, "u1", 0, "hello "); n != 6 {
		t.Fatalf("first append wrote %d, want 6", n)
	}
	if n := appendString(t, s, "u1", 6, "world"); n != 5 {
		t.Fatalf("second append wrote %d, want 5", n)
	}

	tail, err := s.Tail(ctx, "u1")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != 11 {
		t.Errorf("Tail = %d, want 11", tail)
	}

	rc, err := s.Reader(ctx, "u1")
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestLocalStore_AppendAtWrongOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 10); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	appendString(t, s, "u1", 0, "abc")

	if _, err := s.Append(ctx, "u1", 5, strings.NewReader("xyz"), nil); !errors.Is(err, storage.ErrTailMismatch) {
		t.Errorf("Append at wrong offset = %v, want ErrTailMismatch", err)
	}
}

func TestLocalStore_UnknownID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Tail(ctx, "nope"); !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("Tail = %v, want ErrNotExist", err)
	}
	if _, err := s.Append(ctx, "nope", 0, strings.NewReader("x"), nil); !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("Append = %v, want ErrNotExist", err)
	}
	if _, err := s.Reader(ctx, "nope"); !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("Reader = %v, want ErrNotExist", err)
	}
}

func TestLocalStore_VerifyFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 10); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	appendString(t, s, "u1", 0, "good")

	rejected := errors.New("digest mismatch")
	_, err := s.Append(ctx, "u1", 4, strings.NewReader("bad!"), func() error { return rejected })
	if !errors.Is(err, rejected) {
		t.Fatalf("Append = %v, want the verify error", err)
	}

	// Tail unchanged, rejected bytes discarded.
	tail, err := s.Tail(ctx, "u1")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != 4 {
		t.Errorf("Tail after rejected append = %d, want 4", tail)
	}

	// The next append at the old tail succeeds and sees no leftover bytes.
	appendString(t, s, "u1", 4, "better")
	rc, err := s.Reader(ctx, "u1")
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "goodbetter" {
		t.Errorf("content = %q, want %q", data, "goodbetter")
	}
}

// failingReader yields its payload and then an error, simulating a client
// connection dropped mid-chunk.
type failingReader struct {
	payload io.Reader
	err     error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.payload.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestLocalStore_CopyFailureKeepsFlushedPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	dropped := errors.New("connection reset")
	n, err := s.Append(ctx, "u1", 0, &failingReader{payload: strings.NewReader("partial"), err: dropped}, nil)
	if !errors.Is(err, dropped) {
		t.Fatalf("Append = %v, want the copy error", err)
	}
	if n != 7 {
		t.Errorf("Append reported %d surviving bytes, want 7", n)
	}

	tail, err := s.Tail(ctx, "u1")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != 7 {
		t.Errorf("Tail = %d, want the flushed prefix length 7", tail)
	}
}

func TestLocalStore_CopyFailureWithVerifierDiscardsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 100); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	dropped := errors.New("connection reset")
	_, err := s.Append(ctx, "u1", 0, &failingReader{payload: strings.NewReader("partial"), err: dropped}, func() error {
		t.Fatal("verify must not run for a truncated chunk")
		return nil
	})
	if !errors.Is(err, dropped) {
		t.Fatalf("Append = %v, want the copy error", err)
	}

	tail, err := s.Tail(ctx, "u1")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != 0 {
		t.Errorf("Tail = %d, want 0 for a checksummed chunk", tail)
	}
}

func TestLocalStore_Concat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, payload := range []string{"hello ", "world"} {
		id := fmt.Sprintf("part%d", i)
		if err := s.Allocate(ctx, id, int64(len(payload))); err != nil {
			t.Fatalf("Allocate %s: %v", id, err)
		}
		appendString(t, s, id, 0, payload)
	}
	if err := s.Allocate(ctx, "final", 11); err != nil {
		t.Fatalf("Allocate final: %v", err)
	}

	n, err := s.Concat(ctx, "final", []string{"part0", "part1"})
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if n != 11 {
		t.Errorf("Concat wrote %d, want 11", n)
	}

	rc, err := s.Reader(ctx, "final")
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestLocalStore_FinalizeReturnsPayloadPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	appendString(t, s, "u1", 0, "data")

	ref, err := s.Finalize(ctx, "u1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !filepath.IsAbs(ref) {
		t.Errorf("Finalize returned relative path %q", ref)
	}
	if _, err := os.Stat(ref); err != nil {
		t.Errorf("finalized payload missing: %v", err)
	}
}

func TestLocalStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "u1", 4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Tail(ctx, "u1"); !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("Tail after delete = %v, want ErrNotExist", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Errorf("repeated Delete = %v, want nil", err)
	}
}

func TestLocalStore_RejectsHostileIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.Allocate(ctx, id, 1); err == nil {
			t.Errorf("Allocate(%q) succeeded, want error", id)
		}
	}
}
