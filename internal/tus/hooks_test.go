package tus_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/upload-registry/upload-registry/internal/lock"
	"github.com/upload-registry/upload-registry/internal/storage/local"
	"github.com/upload-registry/upload-registry/internal/tus"
)

func newHookEngine(t *testing.T, hooks tus.Hooks) (*tus.Engine, *tus.Registry) {
	t.Helper()

	store, err := local.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	registry := tus.NewRegistry(tus.NewMemoryStore(), tus.RegistryConfig{})
	engine := tus.NewEngine(
		tus.EngineConfig{},
		registry,
		store,
		lock.NewMemoryLocker(),
		tus.NewDispatcher(hooks),
		nil,
	)
	return engine, registry
}

func TestPreCreateVetoBlocksRegistration(t *testing.T) {
	engine, registry := newHookEngine(t, tus.Hooks{
		PreCreate: func(ctx context.Context, ev tus.HookEvent) error {
			return tus.NewError("quota exhausted for tenant", http.StatusForbidden)
		},
	})
	ctx := context.Background()

	_, err := engine.Create(ctx, tus.CreateRequest{Length: 4})
	if err == nil {
		t.Fatal("Create succeeded despite the veto")
	}
	if tus.StatusOf(err) != http.StatusForbidden {
		t.Errorf("status = %d, want the hook's %d", tus.StatusOf(err), http.StatusForbidden)
	}
	if !strings.Contains(err.Error(), "quota exhausted") {
		t.Errorf("error = %q, want the hook's message", err)
	}

	// The veto must have prevented the session from being registered.
	sessions, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("registry holds %d sessions after a vetoed creation, want 0", len(sessions))
	}
}

func TestPreCreateGenericErrorMapsToHookRejected(t *testing.T) {
	engine, _ := newHookEngine(t, tus.Hooks{
		PreCreate: func(ctx context.Context, ev tus.HookEvent) error {
			return errors.New("upstream policy service unreachable")
		},
	})

	_, err := engine.Create(context.Background(), tus.CreateRequest{Length: 4})
	if !errors.Is(err, tus.ErrHookRejected) {
		t.Fatalf("Create = %v, want ErrHookRejected", err)
	}
	if tus.StatusOf(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", tus.StatusOf(err), http.StatusBadRequest)
	}
}

func TestPreCreateSeesCreationAttributes(t *testing.T) {
	var seen tus.Session
	engine, _ := newHookEngine(t, tus.Hooks{
		PreCreate: func(ctx context.Context, ev tus.HookEvent) error {
			seen = ev.Upload
			return nil
		},
	})

	_, err := engine.Create(context.Background(), tus.CreateRequest{
		Length:   8,
		Metadata: map[string]string{"filename": "a.txt"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if seen.Length != 8 {
		t.Errorf("hook saw length %d, want 8", seen.Length)
	}
	if seen.Metadata["filename"] != "a.txt" {
		t.Errorf("hook saw metadata %v", seen.Metadata)
	}
}

func TestPanickingCompletionHookDoesNotFailUpload(t *testing.T) {
	engine, _ := newHookEngine(t, tus.Hooks{
		PostComplete: func(ctx context.Context, ev tus.HookEvent) {
			panic("completion hook blew up")
		},
	})
	ctx := context.Background()

	s, err := engine.Create(ctx, tus.CreateRequest{Length: 5})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s, err = engine.Patch(ctx, tus.PatchRequest{
		ID:         s.ID,
		Offset:     0,
		Body:       strings.NewReader("hello"),
		BodyLength: 5,
	})
	if err != nil {
		t.Fatalf("Patch with a panicking completion hook = %v, want nil", err)
	}
	if !s.Complete() {
		t.Errorf("upload not complete after the final chunk: offset %d of %d", s.Offset, s.Length)
	}

	// The completed upload is fully usable afterwards.
	if _, err := engine.Head(ctx, s.ID); err != nil {
		t.Errorf("Head after panicking hook = %v, want nil", err)
	}
}
