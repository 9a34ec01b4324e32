package domain

import (
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/safe"
)

// BookTicker is a top-of-book snapshot for one symbol on one venue.
type BookTicker struct {
	Symbol  string            `json:"symbol"`
	Bid     quant.PriceMicros `json:"bid,string"`
	Ask     quant.PriceMicros `json:"ask,string"`
	TsUnixM quant.TimeStamp   `json:"ts,string"`
}

// Top returns the maker-side touch for side: the bid for BUY, the ask for SELL.
func (b BookTicker) Top(side Side) quant.PriceMicros {
	if side == Sell {
		return b.Ask
	}
	return b.Bid
}

// Valid reports whether both sides of the book are populated.
func (b BookTicker) Valid() bool {
	return b.Bid > 0 && b.Ask > 0
}

// SymbolInfo carries the trading rules of one symbol on one venue.
type SymbolInfo struct {
	Symbol       string            `json:"symbol"`
	Base         string            `json:"base"`
	Quote        string            `json:"quote"`
	TickSize     quant.PriceMicros `json:"tick_size,string"`
	QtyStep      quant.QtySats     `json:"qty_step,string"`
	MinQty       quant.QtySats     `json:"min_qty,string"`
	MinNotional  quant.PriceMicros `json:"min_notional,string"`
	ContractSize quant.QtySats     `json:"contract_size,string,omitempty"` // derivatives only
}

// Granularity is the quantity increment orders must be a multiple of.
func (s SymbolInfo) Granularity() quant.QtySats {
	if s.ContractSize > 0 {
		return s.ContractSize
	}
	return s.QtyStep
}

// RoundPrice snaps p onto the tick grid on the passive side: down for BUY,
// up for SELL.
func (s SymbolInfo) RoundPrice(p quant.PriceMicros, side Side) quant.PriceMicros {
	if side == Sell {
		return safe.CeilTo(p, s.TickSize)
	}
	return safe.FloorTo(p, s.TickSize)
}

// FloorQty rounds q down to the quantity granularity.
func (s SymbolInfo) FloorQty(q quant.QtySats) quant.QtySats {
	return safe.FloorTo(q, s.Granularity())
}

// CeilQty rounds q up to the quantity granularity.
func (s SymbolInfo) CeilQty(q quant.QtySats) quant.QtySats {
	return safe.CeilTo(q, s.Granularity())
}

// MinTradable is the smallest order quantity the venue accepts at price ref:
// the largest of MinQty, one granularity step, and the quantity whose notional
// reaches MinNotional. With ref unknown the notional floor is skipped.
func (s SymbolInfo) MinTradable(ref quant.PriceMicros) quant.QtySats {
	m := s.MinQty
	if g := s.Granularity(); g > m {
		m = g
	}
	if q := quant.QtyForNotional(s.MinNotional, ref); q > m {
		m = q
	}
	return s.CeilQty(m)
}

// TicksAway is |a-b| measured in ticks, rounded up. Without a tick size every
// difference counts as one tick.
func (s SymbolInfo) TicksAway(a, b quant.PriceMicros) int64 {
	d := safe.Abs(safe.Sub(a, b))
	if d == 0 {
		return 0
	}
	if s.TickSize <= 0 {
		return 1
	}
	return int64(safe.CeilTo(d, s.TickSize) / s.TickSize)
}
