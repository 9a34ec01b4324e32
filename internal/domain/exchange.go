package domain

import (
	"context"
	"errors"
	"net"

	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

var (
	// ErrOrderNotFound means the venue has no record of the order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrRejected means the venue refused the request (minimums, price bands,
	// cancel of a finished order). Retrying the same request will not help.
	ErrRejected = errors.New("order rejected")
	// ErrInsufficientBalance is a rejection caused by funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoPrice means the venue could not supply a usable top of book.
	ErrNoPrice = errors.New("no price available")
	// ErrTransient marks network, rate-limit and 5xx failures.
	ErrTransient = errors.New("transient exchange failure")
)

// Exchange is one venue as seen by a hedge leg. Implementations must return
// within a bounded time; callers bound each call with ctx.
type Exchange interface {
	Name() string
	TopOfBook(ctx context.Context, symbol string) (BookTicker, error)
	Precision(ctx context.Context, symbol string) (SymbolInfo, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty quant.QtySats, price quant.PriceMicros) (Order, error)
	// PlaceMarketOrder sizes in base units; refPrice lets venues that size
	// market buys in quote currency convert.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty quant.QtySats, refPrice quant.PriceMicros) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
