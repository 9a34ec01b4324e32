package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

const (
	DefaultPollInterval   = time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxFailures    = 10

	// A cycle is syncing -> analyzing -> action -> syncing.
	maxStepsPerCycle = 8
)

// Store persists engine contexts. It is shared by engines and must be safe
// for concurrent use.
type Store interface {
	SaveContext(ctx context.Context, c Context) error
}

// Publisher receives engine events. Delivery is best effort; a failing
// publisher never stops an engine.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// SeqSource reports the last event sequence number journaled for an engine.
type SeqSource interface {
	GetLastSeq(ctx context.Context, engine string) (uint64, error)
}

type Options struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration // bound on every exchange call
	// MaxFailures is how many consecutive retryable failures are tolerated
	// before the engine gives up and enters the error state.
	MaxFailures int
	Store       Store
	Publisher   Publisher
	Logger      *slog.Logger
	DumpDir     string // panic dumps; empty logs the dump instead
	Now         func() time.Time
	// Journal is consulted when a restored engine is reattached, so event
	// numbering never reuses a sequence number already journaled.
	Journal SeqSource
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// marketView is one leg's market as read by the last sync.
type marketView struct {
	book domain.BookTicker
	info domain.SymbolInfo
}

// Engine drives one hedge. Step and the operator commands are serialized;
// Snapshot may be called from any goroutine.
type Engine struct {
	id     string
	venues PerSide[domain.Exchange]
	opts   Options
	log    *slog.Logger

	opMu     sync.Mutex
	c        Context
	active   PerSide[*domain.Order] // runtime mirror of Context OrderIDs
	market   PerSide[marketView]
	synced   bool
	failures int
	seq      uint64

	snapMu sync.RWMutex
	snap   Context
}

// NewEngine builds an engine around c, which is either fresh from NewContext
// or restored from a Store. Restored engines that were mid-cycle restart at
// syncing so every persisted order id is checked against its venue first.
func NewEngine(c Context, venues PerSide[domain.Exchange], opts Options) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	for _, side := range domain.Sides {
		if venues[side] == nil {
			return nil, fmt.Errorf("%w: no exchange for %s leg", ErrInvalidParams, side)
		}
	}
	opts.setDefaults()

	switch c.State {
	case StateAnalyzing, StateRebalancing, StateManagingOrders, StateCompleting:
		c.State = StateSyncing
	}

	e := &Engine{
		id:     c.ID,
		venues: venues,
		opts:   opts,
		log: opts.Logger.With(
			slog.String("engine", c.ID),
			slog.String("symbol", c.Symbol),
		),
		c:    c,
		snap: c,
		seq:  c.EventSeq,
	}
	return e, nil
}

func (e *Engine) ID() string { return e.id }

// Reattach lines a restored engine up with its journal before it runs. When
// events were journaled after the context was last saved, numbering continues
// after them and a RestoredEvent marks them as belonging to the lost run.
func (e *Engine) Reattach(ctx context.Context) error {
	if e.opts.Journal == nil {
		return nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	last, err := e.opts.Journal.GetLastSeq(ctx, e.id)
	if err != nil {
		return fmt.Errorf("journal sequence of %s: %w", e.id, err)
	}
	saved := e.c.EventSeq
	if last <= saved {
		return nil
	}
	e.log.Warn("JOURNAL_AHEAD_OF_CONTEXT",
		slog.Uint64("saved_seq", saved),
		slog.Uint64("journal_seq", last),
		slog.Uint64("version", e.c.Version))
	atomic.StoreUint64(&e.seq, last)
	e.publish(ctx, &event.RestoredEvent{
		BaseEvent:   e.base(),
		ResumedFrom: saved,
		Version:     e.c.Version,
	})
	e.commit(ctx, e.c, "")
	return nil
}

// Snapshot returns the last committed context.
func (e *Engine) Snapshot() Context {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// State is a shortcut for Snapshot().State.
func (e *Engine) State() State {
	return e.Snapshot().State
}

// Run steps the engine every PollInterval until ctx is done or the engine
// reaches a terminal state. Waiting states are polled but not advanced.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.log.Info("Engine loop started", slog.String("state", string(e.State())))
	for {
		st := e.State()
		if st.Terminal() {
			e.log.Info("Engine loop finished", slog.String("state", string(st)))
			return nil
		}
		if !st.Waiting() {
			if err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
				e.log.Debug("Cycle ended with error", slog.Any("error", err))
			}
		}
		select {
		case <-ctx.Done():
			e.log.Info("Engine loop stopping...")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle steps until the engine is back at syncing, waits, or stops making
// progress.
func (e *Engine) RunCycle(ctx context.Context) error {
	var errs []error
	for i := 0; i < maxStepsPerCycle; i++ {
		before := e.State()
		st, err := e.Step(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if st == StateSyncing || st.Waiting() || st == before || ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Step performs exactly one state transition and returns the new state.
// A panic inside a step moves the engine to the error state.
func (e *Engine) Step(ctx context.Context) (st State, err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("CRITICAL_PANIC_DETECTED",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			e.dumpState()
			err = fmt.Errorf("panic in %s: %v", e.c.State, r)
			e.fatal(ctx, e.c, err)
			st = e.c.State
		}
	}()

	switch e.c.State {
	case StateIdle:
		e.commit(ctx, e.c.WithState(StateSyncing), "start")
	case StateSyncing:
		err = e.sync(ctx)
	case StateAnalyzing:
		e.analyzeStep(ctx)
	case StateRebalancing:
		err = e.rebalance(ctx)
	case StateManagingOrders:
		err = e.manageOrders(ctx)
	case StateCompleting:
		err = e.complete(ctx)
	case StateAdjusting:
		err = e.finishAdjust(ctx)
	}
	return e.c.State, err
}

// sync pulls the tracked orders and the market of both legs.
func (e *Engine) sync(ctx context.Context) error {
	next := e.c
	var res PerSide[legResult]
	errs := forSides(e.log, domain.Sides[:], func(side domain.Side) error {
		r, err := e.syncLeg(ctx, side, next.Sides[side], e.active[side])
		res[side] = r
		return err
	})
	for _, side := range domain.Sides {
		e.mergeLeg(ctx, &next, side, res[side])
		if errs[side] == nil {
			e.market[side] = res[side].market
		}
	}
	if errs[domain.Buy] == nil && errs[domain.Sell] == nil {
		e.synced = true
		e.failures = 0
		e.commit(ctx, next.WithState(StateAnalyzing), "")
		return nil
	}
	e.synced = false
	return e.settle(ctx, next, StateSyncing, errs)
}

func (e *Engine) syncLeg(ctx context.Context, side domain.Side, ss SideState, active *domain.Order) (legResult, error) {
	r := legResult{state: ss, active: active}
	venue := e.venues[side]

	if ss.OrderID != "" {
		cctx, cancel := e.callCtx(ctx)
		o, err := venue.FetchOrder(cctx, ss.Symbol, ss.OrderID)
		cancel()
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			e.log.Warn("ORDER_NOT_FOUND_ON_SYNC",
				slog.String("side", side.String()),
				slog.String("order_id", ss.OrderID))
			r.forget()
		case err != nil:
			return r, fmt.Errorf("fetch %s order %s on %s: %w", side, ss.OrderID, venue.Name(), err)
		default:
			e.record(side, &r, o, false)
		}
	}

	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	book, err := venue.TopOfBook(cctx, ss.Symbol)
	if err != nil {
		return r, fmt.Errorf("top of book %s on %s: %w", ss.Symbol, venue.Name(), err)
	}
	if !book.Valid() {
		return r, fmt.Errorf("%s on %s: %w", ss.Symbol, venue.Name(), domain.ErrNoPrice)
	}
	info, err := venue.Precision(cctx, ss.Symbol)
	if err != nil {
		return r, fmt.Errorf("precision %s on %s: %w", ss.Symbol, venue.Name(), err)
	}
	r.market = marketView{book: book, info: info}
	return r, nil
}

// analysis is derived from the context and the market of the last sync.
type analysis struct {
	minTradable PerSide[quant.QtySats]
	remaining   PerSide[quant.QtySats]
	gap         PerSide[quant.QtySats] // how far each leg lags the other
}

func (e *Engine) analyze(c Context) analysis {
	var a analysis
	for _, side := range domain.Sides {
		m := e.market[side]
		a.minTradable[side] = m.info.MinTradable(m.book.Top(side))
		a.remaining[side] = c.Sides[side].Remaining(c.TotalQty, a.minTradable[side])
		a.gap[side] = c.Imbalance(side)
	}
	return a
}

func (a analysis) done() bool {
	return a.remaining[domain.Buy] == 0 && a.remaining[domain.Sell] == 0
}

func (e *Engine) analyzeStep(ctx context.Context) {
	if !e.synced {
		e.commit(ctx, e.c.WithState(StateSyncing), "market not synced")
		return
	}
	a := e.analyze(e.c)
	switch {
	case a.done():
		e.commit(ctx, e.c.WithState(StateCompleting), "target reached")
	case a.imbalanced(domain.Buy) || a.imbalanced(domain.Sell):
		e.commit(ctx, e.c.WithState(StateRebalancing), "imbalance")
	default:
		e.commit(ctx, e.c.WithState(StateManagingOrders), "")
	}
}

func (e *Engine) complete(ctx context.Context) error {
	next, errs := e.cancelAll(ctx, e.c)
	return e.settle(ctx, next, StateCompleted, errs)
}

// finishAdjust resumes an adjustment interrupted by a restart. The pending
// update is applied once every order is gone.
func (e *Engine) finishAdjust(ctx context.Context) error {
	next, errs := e.cancelAll(ctx, e.c)
	resume := StateSyncing
	if errs[domain.Buy] == nil && errs[domain.Sell] == nil && next.Pending != nil {
		p := *next.Pending
		next.Pending = nil
		applied, err := next.Apply(p.Params)
		if err != nil {
			e.log.Warn("Dropping pending update", slog.Any("error", err))
		} else {
			next, resume = applied, p.Resume
			e.log.Info("Pending update applied")
		}
	}
	return e.settle(ctx, next, resume, errs)
}

// Start moves an idle engine into its first cycle.
func (e *Engine) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch {
	case e.c.State.Terminal():
		return ErrTerminal
	case e.c.State == StateIdle:
		e.commit(ctx, e.c.WithState(StateSyncing), "start")
	}
	return nil
}

// Pause cancels every outstanding order, then suspends the engine. When an
// order cannot be cancelled the engine keeps its state and the error is
// returned.
func (e *Engine) Pause(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch {
	case e.c.State.Terminal():
		return ErrTerminal
	case e.c.State == StatePaused:
		return nil
	}
	next, errs := e.cancelAll(ctx, e.c)
	if err := errors.Join(errs[domain.Buy], errs[domain.Sell]); err != nil {
		next.LastError = err.Error()
		e.commit(ctx, next, "")
		return fmt.Errorf("pause: %w", err)
	}
	e.commit(ctx, next.WithState(StatePaused), "operator pause")
	return nil
}

// Resume restarts a paused or failed engine.
func (e *Engine) Resume(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.c.State {
	case StateCompleted, StateCancelled:
		return ErrTerminal
	case StateIdle:
		return fmt.Errorf("%w: start it first", ErrNotRunning)
	case StatePaused, StateError:
		e.failures = 0
		next := e.c.WithState(StateSyncing)
		next.Pending = nil
		e.commit(ctx, next, "operator resume")
	}
	return nil
}

// CancelAll cancels every outstanding order and terminates the engine.
func (e *Engine) CancelAll(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.c.State {
	case StateCancelled:
		return nil
	case StateCompleted:
		return ErrTerminal
	}
	next, errs := e.cancelAll(ctx, e.c)
	if err := errors.Join(errs[domain.Buy], errs[domain.Sell]); err != nil {
		next.LastError = err.Error()
		e.commit(ctx, next, "")
		return fmt.Errorf("cancel: %w", err)
	}
	e.commit(ctx, next.WithState(StateCancelled), "operator cancel")
	return nil
}

// Update reconfigures the engine. Outstanding orders are cancelled before the
// new parameters are applied; then the engine resumes at syncing. An idle
// engine stays idle.
func (e *Engine) Update(ctx context.Context, u UpdateParams) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.c.State.Terminal() {
		return ErrTerminal
	}
	if _, err := e.c.Apply(u); err != nil {
		return err
	}

	prev := e.c.State
	resume := StateSyncing
	if prev == StateIdle {
		resume = StateIdle
	}
	adj := e.c.WithState(StateAdjusting)
	adj.Pending = &PendingUpdate{Params: u, Resume: resume}
	e.commit(ctx, adj, "operator update")

	next, errs := e.cancelAll(ctx, e.c)
	next.Pending = nil
	if err := errors.Join(errs[domain.Buy], errs[domain.Sell]); err != nil {
		next.LastError = err.Error()
		e.commit(ctx, next.WithState(prev), "update aborted")
		return fmt.Errorf("update: %w", err)
	}
	applied, err := next.Apply(u)
	if err != nil {
		e.commit(ctx, next.WithState(prev), "update aborted")
		return err
	}
	e.failures = 0
	e.commit(ctx, applied.WithState(resume), "parameters applied")
	return nil
}

// settle closes a phase that touched the venues. Retryable failures are
// retried on the next cycle until MaxFailures consecutive ones; anything else
// is fatal.
// Progress made by the legs that succeeded is kept either way.
func (e *Engine) settle(ctx context.Context, next Context, onSuccess State, errs PerSide[error]) error {
	err := errors.Join(errs[domain.Buy], errs[domain.Sell])
	if err == nil {
		e.failures = 0
		e.commit(ctx, next.WithState(onSuccess), "")
		return nil
	}
	if ctx.Err() != nil {
		e.commit(ctx, next, "")
		return ctx.Err()
	}
	if retryableAll(errs) && e.failures < e.opts.MaxFailures {
		e.failures++
		retry := next.State
		if retry == StateRebalancing || retry == StateManagingOrders {
			retry = StateSyncing
		}
		e.log.Warn("Retryable failure",
			slog.String("state", string(next.State)),
			slog.Int("failures", e.failures),
			slog.Any("error", err))
		next.LastError = err.Error()
		e.commit(ctx, next.WithState(retry), "")
		return err
	}
	e.fatal(ctx, next, err)
	return err
}

func (e *Engine) fatal(ctx context.Context, next Context, err error) {
	from := next.State
	e.log.Error("Engine halted", slog.String("state", string(from)), slog.Any("error", err))
	e.publish(ctx, &event.EngineErrorEvent{BaseEvent: e.base(), State: string(from), Error: err.Error()})
	e.commit(ctx, next.WithError(err), err.Error())
}

func retryable(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, domain.ErrNoPrice)
}

func retryableAll(errs PerSide[error]) bool {
	for _, err := range errs {
		if err != nil && !retryable(err) {
			return false
		}
	}
	return true
}

// commit makes next the current context, then publishes and persists it.
func (e *Engine) commit(ctx context.Context, next Context, reason string) {
	prev := e.c.State
	if prev != next.State {
		e.log.Info("State changed",
			slog.String("from", string(prev)),
			slog.String("to", string(next.State)),
			slog.String("reason", reason))
		e.publish(ctx, &event.StateChangedEvent{
			BaseEvent: e.base(),
			From:      string(prev),
			To:        string(next.State),
			Reason:    reason,
		})
	}
	next.Version = e.c.Version + 1
	next.EventSeq = atomic.LoadUint64(&e.seq)
	next.UpdatedUnixM = e.opts.Now().UnixMicro()
	e.c = next

	e.snapMu.Lock()
	e.snap = next
	e.snapMu.Unlock()

	e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) {
	if e.opts.Store == nil {
		return
	}
	// Shutdown must still record the last state.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RequestTimeout)
	defer cancel()
	if err := e.opts.Store.SaveContext(cctx, e.c); err != nil {
		e.log.Error("Failed to persist context", slog.Uint64("version", e.c.Version), slog.Any("error", err))
	}
}

func (e *Engine) publish(ctx context.Context, evs ...event.Event) {
	if e.opts.Publisher == nil {
		return
	}
	for _, ev := range evs {
		if err := e.opts.Publisher.Publish(ctx, ev); err != nil {
			e.log.Warn("Failed to publish event", slog.String("type", ev.GetType().String()), slog.Any("error", err))
		}
	}
}

// base stamps a new event. Safe to call from leg goroutines.
func (e *Engine) base() event.BaseEvent {
	return event.BaseEvent{
		Seq:    quant.NextSeq(&e.seq),
		Ts:     quant.TimeStamp(e.opts.Now().UnixMicro()),
		Engine: e.id,
	}
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

// dumpState writes the current context for post-mortem analysis.
func (e *Engine) dumpState() {
	b, err := json.MarshalIndent(e.c, "", "  ")
	if err != nil {
		e.log.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if e.opts.DumpDir == "" {
		e.log.Error("STATE_DUMP", slog.String("context", string(b)))
		return
	}
	filename := filepath.Join(e.opts.DumpDir, e.id+"_panic_dump.json")
	e.log.Info("Dumping internal state...", slog.String("file", filename))
	if err := os.WriteFile(filename, b, 0644); err != nil {
		e.log.Error("Failed to write state dump", slog.Any("error", err))
	}
}
