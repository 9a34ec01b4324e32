// Package storage persists hedge contexts so engines survive restarts.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
)

// ContextStore keeps the latest committed context of every hedge. A save
// carrying an older Version than the stored one is ignored, so a slow writer
// can never roll a hedge back.
type ContextStore interface {
	SaveContext(ctx context.Context, c hedge.Context) error
	LoadContext(ctx context.Context, id string) (hedge.Context, bool, error)
	ListContexts(ctx context.Context) ([]hedge.Context, error)
	DeleteContext(ctx context.Context, id string) error
	Close() error
}

// Open creates the store for backend at path.
func Open(backend, path string) (ContextStore, error) {
	switch backend {
	case infra.BackendSQLite:
		return NewSQLiteStore(path)
	case infra.BackendPebble:
		return NewPebbleStore(path)
	case infra.BackendFile:
		return NewFileStore(path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

// DefaultPath is where backend keeps its data inside dir when the config
// names no path.
func DefaultPath(backend, dir string) string {
	switch backend {
	case infra.BackendPebble:
		return filepath.Join(dir, "contexts.pebble")
	case infra.BackendFile:
		return filepath.Join(dir, "contexts")
	}
	return filepath.Join(dir, "hedge.db")
}
