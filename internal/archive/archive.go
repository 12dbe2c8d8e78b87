// Package archive copies completed uploads to long-term storage. An Archiver
// runs from the post-completion hook, after the bytes are durable locally, so
// an archive failure never affects the client-visible outcome of an upload.
//
// Backends register with the factory the same way chunk store backends do;
// the "none" backend disables archiving.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/tus"
)

// Result describes where an archived upload landed.
type Result struct {
	// Location is a backend-specific reference, e.g. an S3 URI.
	Location string

	// Checksum is the hex SHA256 of the archived content.
	Checksum string
}

// Archiver stores the assembled content of a completed upload.
type Archiver interface {
	Archive(ctx context.Context, id string, src io.Reader, size int64, metadata map[string]string) (*Result, error)
}

// FactoryFunc is the constructor signature every archive backend registers.
type FactoryFunc func(*config.Config) (Archiver, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewArchiver creates an archive backend based on configuration. A "none" or
// empty backend returns a nil Archiver, meaning archiving is disabled.
func NewArchiver(cfg *config.Config) (Archiver, error) {
	if cfg.Archive.Backend == "" || cfg.Archive.Backend == "none" {
		return nil, nil
	}
	factory, ok := factories[cfg.Archive.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Archive.Backend)
	}

	return factory(cfg)
}

// Hook adapts an Archiver into a post-completion hook. The archived bytes are
// read from the finalized chunk resource path carried by the event. Failures
// are logged, never propagated: the upload already succeeded.
func Hook(a Archiver, log *slog.Logger) func(context.Context, tus.HookEvent) {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, ev tus.HookEvent) {
		f, err := os.Open(ev.Path)
		if err != nil {
			log.Error("opening completed upload for archiving", "upload_id", ev.Upload.ID, "error", err)
			return
		}
		defer f.Close()

		res, err := a.Archive(ctx, ev.Upload.ID, f, ev.Upload.Length, ev.Upload.Metadata)
		if err != nil {
			log.Error("archiving completed upload", "upload_id", ev.Upload.ID, "error", err)
			return
		}
		log.Info("archived completed upload",
			"upload_id", ev.Upload.ID,
			"location", res.Location,
			"sha256", res.Checksum,
			"size", ev.Upload.Length)
	}
}
