// Package engine runs many hedge engines side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
)

var (
	ErrNotFound = errors.New("hedge not found")
	ErrExists   = errors.New("hedge already exists")
	ErrBusy     = errors.New("hedge is still active")
)

// Venues resolves a configured venue name.
type Venues interface {
	Get(name string) (domain.Exchange, bool)
}

// Store is the persistence the supervisor needs on top of what engines use.
type Store interface {
	hedge.Store
	ListContexts(ctx context.Context) ([]hedge.Context, error)
	DeleteContext(ctx context.Context, id string) error
}

type entry struct {
	eng    *hedge.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns every engine of the process. Engines share nothing but the
// venues and the store; each runs its loop on its own goroutine.
type Supervisor struct {
	venues Venues
	store  Store
	opts   hedge.Options
	log    *slog.Logger

	mu      sync.Mutex
	engines map[string]*entry
	runCtx  context.Context // set while Run is active
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. opts is the template every engine is
// built with; its Store is replaced by store.
func NewSupervisor(venues Venues, store Store, opts hedge.Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if store != nil {
		opts.Store = store
	}
	return &Supervisor{
		venues:  venues,
		store:   store,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "supervisor")),
		engines: make(map[string]*entry),
	}
}

func (s *Supervisor) resolve(c hedge.Context) (hedge.PerSide[domain.Exchange], error) {
	var venues hedge.PerSide[domain.Exchange]
	for _, side := range domain.Sides {
		name := c.Sides[side].Venue
		ex, ok := s.venues.Get(name)
		if !ok {
			return venues, fmt.Errorf("%w: unknown venue %q for %s leg", hedge.ErrInvalidParams, name, side)
		}
		venues[side] = ex
	}
	return venues, nil
}

// Create builds a new hedge from p, persists it and optionally starts it.
func (s *Supervisor) Create(ctx context.Context, p hedge.Params, start bool) (*hedge.Engine, error) {
	c, err := hedge.NewContext(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, exists := s.engines[c.ID]
	s.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, c.ID)
	}

	eng, err := s.Add(c)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.SaveContext(ctx, c); err != nil {
			s.log.Error("Failed to persist new hedge", slog.String("id", c.ID), slog.Any("error", err))
		}
	}
	if start {
		if err := eng.Start(ctx); err != nil {
			return eng, err
		}
	}
	s.log.Info("Hedge created", slog.String("id", c.ID), slog.Bool("started", start))
	return eng, nil
}

// Add registers an engine for c, a new or restored context. While Run is
// active the engine starts looping right away.
func (s *Supervisor) Add(c hedge.Context) (*hedge.Engine, error) {
	eng, err := s.build(c)
	if err != nil {
		return nil, err
	}
	if err := s.register(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

func (s *Supervisor) build(c hedge.Context) (*hedge.Engine, error) {
	venues, err := s.resolve(c)
	if err != nil {
		return nil, err
	}
	return hedge.NewEngine(c, venues, s.opts)
}

func (s *Supervisor) register(eng *hedge.Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engines[eng.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrExists, eng.ID())
	}
	e := &entry{eng: eng}
	s.engines[eng.ID()] = e
	if s.runCtx != nil {
		s.launchLocked(e)
	}
	return nil
}

// Restore loads every persisted context and reattaches it to the journal
// before it runs. A context that cannot be attached (venue gone from the
// config, invalid) is logged and skipped.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	contexts, err := s.store.ListContexts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}
	n := 0
	for _, c := range contexts {
		if _, ok := s.Get(c.ID); ok {
			s.log.Warn("Hedge already loaded, skipping restore", slog.String("id", c.ID))
			continue
		}
		eng, err := s.build(c)
		if err == nil {
			err = eng.Reattach(ctx)
		}
		if err == nil {
			err = s.register(eng)
		}
		if err != nil {
			s.log.Error("Failed to restore hedge", slog.String("id", c.ID), slog.Any("error", err))
			continue
		}
		s.log.Info("Hedge restored",
			slog.String("id", c.ID),
			slog.String("state", string(c.State)),
			slog.Uint64("version", c.Version))
		n++
	}
	return n, nil
}

func (s *Supervisor) Get(id string) (*hedge.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	if !ok {
		return nil, false
	}
	return e.eng, true
}

// List returns a snapshot of every hedge ordered by id.
func (s *Supervisor) List() []hedge.Context {
	s.mu.Lock()
	out := make([]hedge.Context, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.eng.Snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove forgets a finished or never started hedge and deletes its context.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.engines[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st := e.eng.State(); !st.Terminal() && st != hedge.StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, cancel it first", ErrBusy, id, st)
	}
	delete(s.engines, id)
	s.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if s.store != nil {
		if err := s.store.DeleteContext(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	s.log.Info("Hedge removed", slog.String("id", id))
	return nil
}

// Run loops every engine until ctx is done, then waits for all of them.
// Open orders are left on the venues; restored engines reattach to them.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.runCtx = ctx
	for _, e := range s.engines {
		s.launchLocked(e)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.log.Info("Supervisor stopping, waiting for engines...")
	s.wg.Wait()

	s.mu.Lock()
	s.runCtx = nil
	for _, e := range s.engines {
		e.cancel, e.done = nil, nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) launchLocked(e *entry) {
	ctx, cancel := context.WithCancel(s.runCtx)
	e.cancel = cancel
	e.done = make(chan struct{})
	s.wg.Add(1)
	go func(eng *hedge.Engine, done chan struct{}) {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("CRITICAL_PANIC_DETECTED",
					slog.String("engine", eng.ID()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("Engine loop exited", slog.String("engine", eng.ID()), slog.Any("error", err))
		}
	}(e.eng, e.done)
}
