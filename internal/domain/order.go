package domain

import "github.com/dasein108/cex-arbitrage-sub009/pkg/quant"

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order can still trade.
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// IsDone reports whether the venue will never change the order again.
func (s OrderStatus) IsDone() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// Order is the venue's view of an order. Engines treat it as read-only.
// All monetary values are strictly int64.
type Order struct {
	ID           string            `json:"id"`
	ClientID     string            `json:"client_id,omitempty"`
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	Type         OrderType         `json:"type"`
	Price        quant.PriceMicros `json:"price,string"` // 0 for market orders without a reference
	Qty          quant.QtySats     `json:"qty,string"`
	FilledQty    quant.QtySats     `json:"filled_qty,string"`
	AvgFillPrice quant.PriceMicros `json:"avg_fill_price,string"`
	Status       OrderStatus       `json:"status"`
	CreatedUnixM int64             `json:"created_unix"` // Unix Microseconds
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status.IsOpen()
}

// Remaining is the unfilled quantity, never negative.
func (o *Order) Remaining() quant.QtySats {
	if o.FilledQty >= o.Qty {
		return 0
	}
	return o.Qty - o.FilledQty
}

// FillPrice is the price fills should be booked at: the venue's average fill
// price when reported, the order price otherwise.
func (o *Order) FillPrice() quant.PriceMicros {
	if o.AvgFillPrice > 0 {
		return o.AvgFillPrice
	}
	return o.Price
}
