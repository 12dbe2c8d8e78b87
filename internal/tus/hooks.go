package tus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// HookEvent is the payload delivered to lifecycle callbacks.
type HookEvent struct {
	// Upload is a snapshot of the session at the time of the event.
	Upload Session

	// Path is the finalized chunk resource reference. It is only set on
	// completion events.
	Path string
}

// Hooks are the four lifecycle extension points an embedding application can
// supply. All fields are optional.
type Hooks struct {
	// PreCreate runs before a session is registered and may veto creation,
	// e.g. for quota or auth policy. Returning a *Error controls the
	// rejection status; any other error is reported as ErrHookRejected.
	PreCreate func(ctx context.Context, ev HookEvent) error

	// PostCreate runs after a session was successfully created.
	PostCreate func(ctx context.Context, ev HookEvent)

	// PostComplete runs exactly once, the first time a session becomes
	// complete. The event carries the finalized resource path.
	PostComplete func(ctx context.Context, ev HookEvent)

	// PostTerminate runs exactly once per termination, whether an explicit
	// termination request or cleanup of an expired incomplete upload,
	// after the session's resources are released.
	PostTerminate func(ctx context.Context, ev HookEvent)
}

// Dispatcher invokes lifecycle hooks at the engine's transition points.
// PreCreate is the only hook whose failure affects the operation; the other
// three are best-effort notifications whose panics and errors are logged and
// never roll back an already-committed transition.
type Dispatcher struct {
	hooks Hooks
}

// NewDispatcher creates a dispatcher over the given hook set.
func NewDispatcher(hooks Hooks) *Dispatcher {
	return &Dispatcher{hooks: hooks}
}

// PreCreate invokes the pre-creation hook. A nil hook accepts everything.
func (d *Dispatcher) PreCreate(ctx context.Context, ev HookEvent) error {
	if d.hooks.PreCreate == nil {
		return nil
	}
	if err := d.hooks.PreCreate(ctx, ev); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return fmt.Errorf("%w: %v", ErrHookRejected, err)
	}
	return nil
}

// PostCreate notifies that a session was created.
func (d *Dispatcher) PostCreate(ctx context.Context, ev HookEvent) {
	d.notify(ctx, "post-create", d.hooks.PostCreate, ev)
}

// PostComplete notifies that a session finished uploading.
func (d *Dispatcher) PostComplete(ctx context.Context, ev HookEvent) {
	d.notify(ctx, "post-complete", d.hooks.PostComplete, ev)
}

// PostTerminate notifies that a session and its resources were removed.
func (d *Dispatcher) PostTerminate(ctx context.Context, ev HookEvent) {
	d.notify(ctx, "post-terminate", d.hooks.PostTerminate, ev)
}

func (d *Dispatcher) notify(ctx context.Context, name string, fn func(context.Context, HookEvent), ev HookEvent) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in upload lifecycle hook", "hook", name, "upload_id", ev.Upload.ID, "panic", r)
		}
	}()
	fn(ctx, ev)
}
