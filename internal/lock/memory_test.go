package lock

import (
	"errors"
	"sync"
	"testing"

	"github.com/upload-registry/upload-registry/internal/tus"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	locker := NewMemoryLocker()

	first, err := locker.NewLock("u1")
	if err != nil {
		t.Fatalf("NewLock: %v", err)
	}
	if err := first.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	second, err := locker.NewLock("u1")
	if err != nil {
		t.Fatalf("NewLock: %v", err)
	}
	if err := second.Lock(); !errors.Is(err, tus.ErrUploadLocked) {
		t.Errorf("second Lock = %v, want ErrUploadLocked", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.Lock(); err != nil {
		t.Errorf("Lock after release = %v, want nil", err)
	}
}

func TestMemoryLocker_DistinctIDsAreIndependent(t *testing.T) {
	locker := NewMemoryLocker()

	a, _ := locker.NewLock("a")
	b, _ := locker.NewLock("b")

	if err := a.Lock(); err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	if err := b.Lock(); err != nil {
		t.Errorf("Lock b while a held = %v, want nil", err)
	}
}

func TestMemoryLocker_SingleWinnerUnderContention(t *testing.T) {
	locker := NewMemoryLocker()

	const goroutines = 32
	var wg sync.WaitGroup
	acquired := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := locker.NewLock("contested")
			if err != nil {
				t.Errorf("NewLock: %v", err)
				return
			}
			if err := l.Lock(); err == nil {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(acquired)

	n := 0
	for range acquired {
		n++
	}
	if n != 1 {
		t.Errorf("%d goroutines acquired the lock, want exactly 1", n)
	}
}
