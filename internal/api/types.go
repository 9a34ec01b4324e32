package api

import (
	"fmt"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Quantities and prices travel as decimal strings.

// LegView is one leg of a hedge.
type LegView struct {
	Venue         string `json:"venue"`
	Symbol        string `json:"symbol"`
	Filled        string `json:"filled"`
	AvgPrice      string `json:"avg_price"`
	Notional      string `json:"notional"` // quote currency
	Imbalance     string `json:"imbalance"`
	Market        bool   `json:"market"`
	OffsetTicks   int    `json:"offset_ticks,omitempty"`
	TickTolerance int    `json:"tick_tolerance"`
	OrderID       string `json:"order_id,omitempty"`
}

// HedgeView is the operator view of one engine.
type HedgeView struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	State     string  `json:"state"`
	TotalQty  string  `json:"total_qty"`
	OrderQty  string  `json:"order_qty"`
	Buy       LegView `json:"buy"`
	Sell      LegView `json:"sell"`
	LastError string  `json:"last_error,omitempty"`
	Version   uint64  `json:"version"`
	UpdatedAt int64   `json:"updated_at"` // unix micros
}

func newHedgeView(c hedge.Context) HedgeView {
	leg := func(side domain.Side) LegView {
		s := c.Sides[side]
		v := LegView{
			Venue:         s.Venue,
			Symbol:        s.Symbol,
			Filled:        quant.FormatQty(s.FilledQty),
			AvgPrice:      quant.FormatPrice(s.AvgPrice),
			Notional:      quant.FormatPrice(s.Notional()),
			Imbalance:     quant.FormatQty(c.Imbalance(side)),
			Market:        s.MarketLeg(),
			TickTolerance: s.TickTolerance,
			OrderID:       s.OrderID,
		}
		if !v.Market {
			v.OffsetTicks = s.OffsetTicks
		}
		return v
	}
	return HedgeView{
		ID:        c.ID,
		Symbol:    c.Symbol,
		State:     string(c.State),
		TotalQty:  quant.FormatQty(c.TotalQty),
		OrderQty:  quant.FormatQty(c.OrderQty),
		Buy:       leg(domain.Buy),
		Sell:      leg(domain.Sell),
		LastError: c.LastError,
		Version:   c.Version,
		UpdatedAt: c.UpdatedUnixM,
	}
}

// LegRequest configures one leg of a new hedge.
type LegRequest struct {
	Venue         string `json:"venue"`
	Symbol        string `json:"symbol"`
	OffsetTicks   int    `json:"offset_ticks"`
	TickTolerance int    `json:"tick_tolerance"`
	Market        bool   `json:"market"`
}

func (l LegRequest) params() hedge.LegParams {
	p := hedge.LegParams{Venue: l.Venue, Symbol: l.Symbol, OffsetTicks: l.OffsetTicks, TickTolerance: l.TickTolerance}
	if l.Market {
		p.OffsetTicks = hedge.MarketOffset
	}
	return p
}

// CreateRequest is the body of POST /api/v1/hedges.
type CreateRequest struct {
	ID       string     `json:"id"`
	Symbol   string     `json:"symbol"`
	TotalQty string     `json:"total_qty"`
	OrderQty string     `json:"order_qty"`
	Start    bool       `json:"start"`
	Buy      LegRequest `json:"buy"`
	Sell     LegRequest `json:"sell"`
}

// Params parses the request into engine parameters.
func (r CreateRequest) Params() (hedge.Params, error) {
	total, err := quant.ParseQty(r.TotalQty)
	if err != nil {
		return hedge.Params{}, fmt.Errorf("%w: total_qty: %v", hedge.ErrInvalidParams, err)
	}
	order, err := quant.ParseQty(r.OrderQty)
	if err != nil {
		return hedge.Params{}, fmt.Errorf("%w: order_qty: %v", hedge.ErrInvalidParams, err)
	}
	return hedge.Params{
		ID:       r.ID,
		Symbol:   r.Symbol,
		TotalQty: total,
		OrderQty: order,
		Legs:     hedge.PerSide[hedge.LegParams]{r.Buy.params(), r.Sell.params()},
	}, nil
}

// LegUpdate tunes one leg; nil fields are left alone.
type LegUpdate struct {
	OffsetTicks   *int `json:"offset_ticks"`
	TickTolerance *int `json:"tick_tolerance"`
}

// UpdateRequest is the body of PATCH /api/v1/hedges/{id}.
type UpdateRequest struct {
	TotalQty *string   `json:"total_qty"`
	OrderQty *string   `json:"order_qty"`
	Buy      LegUpdate `json:"buy"`
	Sell     LegUpdate `json:"sell"`
}

func (r UpdateRequest) params() (hedge.UpdateParams, error) {
	var u hedge.UpdateParams
	for _, f := range []struct {
		name string
		src  *string
		dst  **quant.QtySats
	}{{"total_qty", r.TotalQty, &u.TotalQty}, {"order_qty", r.OrderQty, &u.OrderQty}} {
		if f.src == nil {
			continue
		}
		q, err := quant.ParseQty(*f.src)
		if err != nil {
			return u, fmt.Errorf("%w: %s: %v", hedge.ErrInvalidParams, f.name, err)
		}
		*f.dst = &q
	}
	u.OffsetTicks = hedge.PerSide[*int]{r.Buy.OffsetTicks, r.Sell.OffsetTicks}
	u.TickTolerance = hedge.PerSide[*int]{r.Buy.TickTolerance, r.Sell.TickTolerance}
	return u, nil
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Hedges  int               `json:"hedges"`
	Venues  map[string]string `json:"venues,omitempty"`
}
