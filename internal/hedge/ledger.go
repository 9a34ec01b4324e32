package hedge

import (
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/safe"
)

// Ledger is the fill record of one leg. AvgPrice is meaningless while
// FilledQty is zero.
type Ledger struct {
	FilledQty quant.QtySats     `json:"filled_qty,string"`
	AvgPrice  quant.PriceMicros `json:"avg_price,string"`
}

// Apply books qty filled at price and returns the new ledger. The average is
// volume weighted and rounded half-even to micros. Non-positive quantities
// leave the ledger unchanged.
func (l Ledger) Apply(price quant.PriceMicros, qty quant.QtySats) Ledger {
	if qty <= 0 {
		return l
	}
	total := safe.Add(l.FilledQty, qty)
	num := l.AvgPrice.Decimal().Mul(l.FilledQty.Decimal()).
		Add(price.Decimal().Mul(qty.Decimal()))
	return Ledger{
		FilledQty: total,
		AvgPrice:  quant.PriceFromDecimal(num.Div(total.Decimal())),
	}
}

// Notional is FilledQty x AvgPrice in quote micros.
func (l Ledger) Notional() quant.PriceMicros {
	return quant.Notional(l.AvgPrice, l.FilledQty)
}

// Remaining is what the leg still has to fill toward total. Anything below
// minTradable is dust the venue would refuse, so it counts as zero.
func (l Ledger) Remaining(total, minTradable quant.QtySats) quant.QtySats {
	r := safe.NonNegative(safe.Sub(total, l.FilledQty))
	if r < minTradable {
		return 0
	}
	return r
}
