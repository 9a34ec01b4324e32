package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
)

const snapshotExt = ".json"

// FileStore writes one JSON snapshot per hedge into a directory. Files are
// replaced atomically, so a crash leaves either the old or the new context.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid hedge id %q for file storage", id)
	}
	return filepath.Join(fs.dir, id+snapshotExt), nil
}

func (fs *FileStore) SaveContext(ctx context.Context, c hedge.Context) error {
	path, err := fs.path(c.ID)
	if err != nil {
		return err
	}
	data, err := encodeContext(c)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if cur, found, err := fs.read(path); err == nil && found && cur.Version > c.Version {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (fs *FileStore) LoadContext(ctx context.Context, id string) (hedge.Context, bool, error) {
	path, err := fs.path(id)
	if err != nil {
		return hedge.Context{}, false, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.read(path)
}

func (fs *FileStore) read(path string) (hedge.Context, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return hedge.Context{}, false, nil
	}
	if err != nil {
		return hedge.Context{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	c, err := decodeContext(data)
	if err != nil {
		return hedge.Context{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return c, true, nil
}

// ListContexts skips unreadable snapshots with a warning so one corrupt file
// does not keep every other hedge from being restored.
func (fs *FileStore) ListContexts(ctx context.Context) ([]hedge.Context, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}
	var out []hedge.Context
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		c, found, err := fs.read(filepath.Join(fs.dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable snapshot", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		if found {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (fs *FileStore) DeleteContext(ctx context.Context, id string) error {
	path, err := fs.path(id)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (fs *FileStore) Close() error { return nil }

func encodeContext(c hedge.Context) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context %s: %w", c.ID, err)
	}
	return data, nil
}
