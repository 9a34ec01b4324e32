package hedge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

var (
	ErrInvalidParams = errors.New("invalid hedge parameters")
	ErrTerminal      = errors.New("hedge is in a terminal state")
	ErrNotRunning    = errors.New("hedge is not running")
)

// MarketOffset in OffsetTicks makes a leg cross the book with market orders
// instead of resting limit orders.
const MarketOffset = math.MinInt32

// State is the lifecycle state of an engine.
type State string

const (
	StateIdle           State = "idle"
	StateSyncing        State = "syncing"
	StateAnalyzing      State = "analyzing"
	StateCompleting     State = "completing"
	StateRebalancing    State = "rebalancing"
	StateManagingOrders State = "managing_orders"
	StatePaused         State = "paused"
	StateCancelled      State = "cancelled"
	StateError          State = "error"
	StateCompleted      State = "completed"
	StateAdjusting      State = "adjusting"
)

var knownStates = map[State]bool{
	StateIdle: true, StateSyncing: true, StateAnalyzing: true, StateCompleting: true,
	StateRebalancing: true, StateManagingOrders: true, StatePaused: true,
	StateCancelled: true, StateError: true, StateCompleted: true, StateAdjusting: true,
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Waiting states are not advanced by the polling loop; an operator command
// has to move the engine out of them.
func (s State) Waiting() bool {
	return s == StateIdle || s == StatePaused || s == StateError || s.Terminal()
}

func (s *State) UnmarshalText(b []byte) error {
	v := State(b)
	if !knownStates[v] {
		return fmt.Errorf("unknown hedge state %q", v)
	}
	*s = v
	return nil
}

// PerSide holds one value per leg, indexed by domain.Side. It serializes as
// an object keyed by the side tags "BUY" and "SELL".
type PerSide[T any] [2]T

type sideTagged[T any] struct {
	Buy  T `json:"BUY"`
	Sell T `json:"SELL"`
}

func (p PerSide[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(sideTagged[T]{Buy: p[domain.Buy], Sell: p[domain.Sell]})
}

func (p *PerSide[T]) UnmarshalJSON(b []byte) error {
	var v sideTagged[T]
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p[domain.Buy], p[domain.Sell] = v.Buy, v.Sell
	return nil
}

// SideState is everything persisted about one leg.
type SideState struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
	Ledger
	OffsetTicks   int    `json:"offset_ticks"`
	TickTolerance int    `json:"tick_tolerance"`
	OrderID       string `json:"order_id,omitempty"`
	// OrderBooked is how much of OrderID's fill is already in the ledger,
	// OrderNotional what it cost in quote micros.
	OrderBooked   quant.QtySats     `json:"order_booked,string,omitempty"`
	OrderNotional quant.PriceMicros `json:"order_notional,string,omitempty"`
}

func (s *SideState) clearOrder() {
	s.OrderID, s.OrderBooked, s.OrderNotional = "", 0, 0
}

// MarketLeg reports whether the leg trades with market orders only.
func (s SideState) MarketLeg() bool {
	return s.OffsetTicks == MarketOffset
}

// Context is the complete resumable state of one hedge. Engines replace it
// wholesale on every transition; nothing holds a pointer into it.
type Context struct {
	ID           string             `json:"id"`
	Symbol       string             `json:"symbol"`
	TotalQty     quant.QtySats      `json:"total_qty,string"`
	OrderQty     quant.QtySats      `json:"order_qty,string"`
	State        State              `json:"state"`
	Sides        PerSide[SideState] `json:"sides"`
	LastError    string             `json:"last_error,omitempty"`
	Version      uint64             `json:"version"`
	EventSeq     uint64             `json:"event_seq"`
	UpdatedUnixM int64              `json:"updated_unix"`
	// Pending is the operator update waiting for the adjusting state to
	// finish cancelling.
	Pending *PendingUpdate `json:"pending_update,omitempty"`
}

// LegParams binds one side to a venue.
type LegParams struct {
	Venue         string
	Symbol        string
	OffsetTicks   int
	TickTolerance int
}

// Params creates a new hedge.
type Params struct {
	ID       string
	Symbol   string
	TotalQty quant.QtySats
	OrderQty quant.QtySats
	Legs     PerSide[LegParams]
}

// NewContext validates p and returns an idle context.
func NewContext(p Params) (Context, error) {
	c := Context{
		ID:       p.ID,
		Symbol:   p.Symbol,
		TotalQty: p.TotalQty,
		OrderQty: p.OrderQty,
		State:    StateIdle,
	}
	for _, side := range domain.Sides {
		l := p.Legs[side]
		c.Sides[side] = SideState{
			Venue:         l.Venue,
			Symbol:        l.Symbol,
			OffsetTicks:   l.OffsetTicks,
			TickTolerance: l.TickTolerance,
		}
	}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// Validate checks the configuration part of the context.
func (c Context) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidParams)
	case c.TotalQty <= 0:
		return fmt.Errorf("%w: total quantity must be positive", ErrInvalidParams)
	case c.OrderQty <= 0:
		return fmt.Errorf("%w: order quantity must be positive", ErrInvalidParams)
	case !knownStates[c.State]:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidParams, c.State)
	}
	for _, side := range domain.Sides {
		s := c.Sides[side]
		if s.Venue == "" || s.Symbol == "" {
			return fmt.Errorf("%w: %s leg needs venue and symbol", ErrInvalidParams, side)
		}
		if err := validateTuning(side, s.OffsetTicks, s.TickTolerance); err != nil {
			return err
		}
		if s.FilledQty < 0 || s.AvgPrice < 0 {
			return fmt.Errorf("%w: %s ledger is negative", ErrInvalidParams, side)
		}
	}
	return nil
}

func validateTuning(side domain.Side, offset, tolerance int) error {
	if offset < 0 && offset != MarketOffset {
		return fmt.Errorf("%w: %s offset %d would cross the book", ErrInvalidParams, side, offset)
	}
	if tolerance < 0 {
		return fmt.Errorf("%w: %s tick tolerance %d", ErrInvalidParams, side, tolerance)
	}
	return nil
}

// UpdateParams carries an operator reconfiguration. Nil fields keep their
// current value.
type UpdateParams struct {
	TotalQty      *quant.QtySats `json:"total_qty,omitempty"`
	OrderQty      *quant.QtySats `json:"order_qty,omitempty"`
	OffsetTicks   PerSide[*int]  `json:"offset_ticks"`
	TickTolerance PerSide[*int]  `json:"tick_tolerance"`
}

// PendingUpdate is an accepted update together with the state the engine
// returns to once it is applied.
type PendingUpdate struct {
	Params UpdateParams `json:"params"`
	Resume State        `json:"resume"`
}

// Apply returns c with u applied, or an error if the result is invalid.
func (c Context) Apply(u UpdateParams) (Context, error) {
	if u.TotalQty != nil {
		c.TotalQty = *u.TotalQty
	}
	if u.OrderQty != nil {
		c.OrderQty = *u.OrderQty
	}
	for _, side := range domain.Sides {
		if v := u.OffsetTicks[side]; v != nil {
			c.Sides[side].OffsetTicks = *v
		}
		if v := u.TickTolerance[side]; v != nil {
			c.Sides[side].TickTolerance = *v
		}
	}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// WithState returns c moved to s. Leaving the error state clears LastError.
func (c Context) WithState(s State) Context {
	if c.State == StateError && s != StateError {
		c.LastError = ""
	}
	c.State = s
	return c
}

// WithError returns c moved to the error state with err recorded.
func (c Context) WithError(err error) Context {
	c.State = StateError
	c.LastError = err.Error()
	return c
}

// Imbalance is how far side lags the opposite leg. Negative when side leads.
func (c Context) Imbalance(side domain.Side) quant.QtySats {
	return c.Sides[side.Opposite()].FilledQty - c.Sides[side].FilledQty
}
