package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
)

// PebbleStore keeps contexts in a Pebble directory.
type PebbleStore struct {
	mu sync.Mutex // orders version checks against writes
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: ctx/<hedge id>
var ctxPrefix = []byte("ctx/")

func ctxKey(id string) []byte { return append(append([]byte{}, ctxPrefix...), id...) }

func (s *PebbleStore) SaveContext(ctx context.Context, c hedge.Context) error {
	data, err := encodeContext(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found, err := s.get(c.ID)
	if err != nil {
		return err
	}
	if found && cur.Version > c.Version {
		return nil
	}
	if err := s.db.Set(ctxKey(c.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save context %s: %w", c.ID, err)
	}
	return nil
}

func (s *PebbleStore) LoadContext(ctx context.Context, id string) (hedge.Context, bool, error) {
	return s.get(id)
}

func (s *PebbleStore) get(id string) (hedge.Context, bool, error) {
	val, closer, err := s.db.Get(ctxKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return hedge.Context{}, false, nil
		}
		return hedge.Context{}, false, fmt.Errorf("failed to load context %s: %w", id, err)
	}
	defer closer.Close()
	c, err := decodeContext(val)
	if err != nil {
		return hedge.Context{}, false, err
	}
	return c, true, nil
}

func (s *PebbleStore) ListContexts(ctx context.Context) ([]hedge.Context, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: ctxPrefix,
		UpperBound: []byte("ctx0"), // '0' follows '/'
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate contexts: %w", err)
	}
	defer iter.Close()

	var out []hedge.Context
	for iter.First(); iter.Valid(); iter.Next() {
		c, err := decodeContext(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

func (s *PebbleStore) DeleteContext(ctx context.Context, id string) error {
	if err := s.db.Delete(ctxKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete context %s: %w", id, err)
	}
	return nil
}
