package quant

import "github.com/shopspring/decimal"

// Decimal bridges PriceMicros into arbitrary-precision arithmetic.
// Products of price and quantity overflow int64 quickly (50,000 USD x 1 BTC
// is already 5e18 in micros*sats), so every multiplication goes through here.
func (p PriceMicros) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -priceDecimals)
}

// Decimal bridges QtySats into arbitrary-precision arithmetic.
func (q QtySats) Decimal() decimal.Decimal {
	return decimal.New(int64(q), -qtyDecimals)
}

// PriceFromDecimal rounds a decimal price to the nearest micro (banker's rounding).
func PriceFromDecimal(d decimal.Decimal) PriceMicros {
	return PriceMicros(d.Shift(priceDecimals).RoundBank(0).IntPart())
}

// QtyFromDecimal truncates a decimal quantity to whole sats.
func QtyFromDecimal(d decimal.Decimal) QtySats {
	return QtySats(d.Shift(qtyDecimals).Truncate(0).IntPart())
}

// Notional returns price x qty in quote micros, rounded to the nearest micro.
func Notional(p PriceMicros, q QtySats) PriceMicros {
	return PriceFromDecimal(p.Decimal().Mul(q.Decimal()))
}

// QtyForNotional returns the smallest quantity (in sats) whose notional at
// price p reaches at least n. Returns 0 when p is not positive.
func QtyForNotional(n PriceMicros, p PriceMicros) QtySats {
	if p <= 0 || n <= 0 {
		return 0
	}
	q := n.Decimal().Div(p.Decimal()).Shift(qtyDecimals).Ceil()
	return QtySats(q.IntPart())
}

// FormatPrice renders a price without trailing zeros, the form REST APIs expect.
func FormatPrice(p PriceMicros) string {
	return p.Decimal().String()
}

// FormatQty renders a quantity without trailing zeros.
func FormatQty(q QtySats) string {
	return q.Decimal().String()
}
