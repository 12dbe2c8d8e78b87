package tus_test

import (
	"context"
	"testing"
	"time"

	"github.com/upload-registry/upload-registry/internal/tus"
)

func TestCleanupScheduler_SweepsOnStart(t *testing.T) {
	f := newEngineFixture(t, tus.EngineConfig{}, tus.RegistryConfig{RetainCompleted: false})
	ctx := context.Background()

	s, err := f.engine.Create(ctx, tus.CreateRequest{Length: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	patchChunk(t, f, s.ID, 0, "data")

	swept := make(chan int, 1)
	scheduler := tus.NewCleanupScheduler(f.engine, time.Hour, nil)
	scheduler.OnSweep = func(removed int) {
		select {
		case swept <- removed:
		default:
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go scheduler.Start(runCtx)
	t.Cleanup(scheduler.Stop)

	// The scheduler sweeps immediately on startup, ahead of the first tick.
	select {
	case removed := <-swept:
		if removed != 1 {
			t.Errorf("initial sweep removed %d, want 1", removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}
}

func TestCleanupScheduler_StopEndsLoop(t *testing.T) {
	f := newEngineFixture(t, tus.EngineConfig{}, tus.RegistryConfig{})

	scheduler := tus.NewCleanupScheduler(f.engine, 5*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		scheduler.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
