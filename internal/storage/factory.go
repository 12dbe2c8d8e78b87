// factory.go implements the chunk store registry and factory, mapping backend
// type strings to constructor functions and dispatching NewChunkStore calls.
package storage

import (
	"fmt"

	"github.com/upload-registry/upload-registry/internal/config"
)

// FactoryFunc is the constructor signature every chunk store backend registers.
type FactoryFunc func(*config.Config) (ChunkStore, error)

var factories = make(map[string]FactoryFunc)

// Register registers a chunk store backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewChunkStore creates a chunk store backend based on configuration
func NewChunkStore(cfg *config.Config) (ChunkStore, error) {
	factory, ok := factories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	return factory(cfg)
}
