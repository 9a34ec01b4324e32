package hedge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/safe"
)

var errStillOpen = fmt.Errorf("%w: order still open after cancel", domain.ErrTransient)

// booking is the slice of an order's fill absorb just added to the ledger.
type booking struct {
	qty   quant.QtySats
	price quant.PriceMicros
}

// absorb books the part of o's fill the ledger has not seen yet. Updates for
// any order other than the leg's tracked one are ignored, so feeding the same
// order twice, or a stale copy of a finished one, changes nothing. A finished
// order frees the slot.
func absorb(ss SideState, o domain.Order) (SideState, booking) {
	if o.ID == "" || o.ID != ss.OrderID {
		return ss, booking{}
	}
	var b booking
	if delta := safe.Sub(o.FilledQty, ss.OrderBooked); delta > 0 {
		b = booking{qty: delta, price: slicePrice(ss, o, delta)}
		ss.Ledger = ss.Ledger.Apply(b.price, b.qty)
		ss.OrderBooked = o.FilledQty
		if o.AvgFillPrice > 0 {
			ss.OrderNotional = quant.Notional(o.AvgFillPrice, o.FilledQty)
		} else {
			ss.OrderNotional = safe.Add(ss.OrderNotional, quant.Notional(b.price, b.qty))
		}
	}
	if o.Status.IsDone() {
		ss.clearOrder()
	}
	return ss, b
}

// slicePrice is what the newest delta of o's fill cost. Venues report one
// average over the whole order, so the notional already booked for it is
// taken out first.
func slicePrice(ss SideState, o domain.Order, delta quant.QtySats) quant.PriceMicros {
	if o.AvgFillPrice <= 0 || (ss.OrderBooked > 0 && ss.OrderNotional <= 0) {
		return o.FillPrice()
	}
	total := o.AvgFillPrice.Decimal().Mul(o.FilledQty.Decimal())
	p := quant.PriceFromDecimal(total.Sub(ss.OrderNotional.Decimal()).Div(delta.Decimal()))
	if p <= 0 {
		return o.FillPrice()
	}
	return p
}

// track makes a freshly placed order the leg's tracked order and books
// whatever the placement already filled.
func track(ss SideState, o domain.Order) (SideState, booking) {
	if o.ID == "" {
		return ss, booking{}
	}
	ss.clearOrder()
	ss.OrderID = o.ID
	return absorb(ss, o)
}

// stale reports whether a resting limit order drifted more than the leg's
// tolerance away from the touch.
func stale(info domain.SymbolInfo, o *domain.Order, top quant.PriceMicros, tolerance int) bool {
	if o == nil || o.Type != domain.OrderTypeLimit {
		return false
	}
	return info.TicksAway(o.Price, top) > int64(tolerance)
}

// limitPrice is offset ticks behind the touch on the passive side.
func limitPrice(info domain.SymbolInfo, side domain.Side, top quant.PriceMicros, offset int) quant.PriceMicros {
	step := safe.Mul(info.TickSize, quant.PriceMicros(offset))
	if side == domain.Sell {
		return info.RoundPrice(safe.Add(top, step), side)
	}
	return info.RoundPrice(safe.Sub(top, step), side)
}

// sizeOrder rounds qty down to the venue's granularity, then raises it to the
// smallest quantity the venue accepts at price.
func sizeOrder(info domain.SymbolInfo, qty quant.QtySats, price quant.PriceMicros) quant.QtySats {
	qty = info.FloorQty(qty)
	if m := info.MinTradable(price); qty < m {
		qty = m
	}
	return qty
}

// legResult is what one leg worker hands back to the engine goroutine.
type legResult struct {
	state  SideState
	active *domain.Order
	market marketView
	events []event.Event
}

func (r *legResult) forget() {
	r.state.clearOrder()
	r.active = nil
}

// record feeds o into the leg and keeps the runtime order mirror in step with
// the persisted order id.
func (e *Engine) record(side domain.Side, r *legResult, o domain.Order, placed bool) {
	var b booking
	if placed {
		r.state, b = track(r.state, o)
	} else {
		r.state, b = absorb(r.state, o)
	}
	switch r.state.OrderID {
	case "":
		r.active = nil
	case o.ID:
		oc := o
		r.active = &oc
	}
	if b.qty > 0 {
		e.log.Info("FILL",
			slog.String("side", side.String()),
			slog.String("order_id", o.ID),
			slog.String("qty", quant.FormatQty(b.qty)),
			slog.String("price", quant.FormatPrice(b.price)),
			slog.String("filled_total", quant.FormatQty(r.state.FilledQty)))
		r.events = append(r.events, &event.FillEvent{
			BaseEvent:   e.base(),
			Side:        side,
			OrderID:     o.ID,
			Price:       b.price,
			Qty:         b.qty,
			FilledTotal: r.state.FilledQty,
			AvgPrice:    r.state.AvgPrice,
		})
	}
}

// mergeLeg hands a leg worker's result back to the engine goroutine.
func (e *Engine) mergeLeg(ctx context.Context, c *Context, side domain.Side, r legResult) {
	c.Sides[side] = r.state
	e.active[side] = r.active
	e.publish(ctx, r.events...)
}

// forSides runs fn for every listed leg concurrently and waits for all of
// them. A panicking leg reports an error instead of taking the process down.
func forSides(log *slog.Logger, sides []domain.Side, fn func(domain.Side) error) PerSide[error] {
	var errs PerSide[error]
	var wg sync.WaitGroup
	for _, side := range sides {
		wg.Add(1)
		go func(side domain.Side) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("LEG_PANIC", slog.String("side", side.String()), slog.Any("panic", r))
					errs[side] = fmt.Errorf("%s leg panicked: %v", side, r)
				}
			}()
			errs[side] = fn(side)
		}(side)
	}
	wg.Wait()
	return errs
}

// cancelLeg cancels the leg's tracked order. When the cancel call fails the
// order is fetched instead, so the leg always ends up with the venue's view.
// The order can still be open afterwards if the venue cancels asynchronously.
func (e *Engine) cancelLeg(ctx context.Context, side domain.Side, r *legResult) error {
	id := r.state.OrderID
	if id == "" {
		return nil
	}
	venue := e.venues[side]

	cctx, cancel := e.callCtx(ctx)
	o, err := venue.CancelOrder(cctx, r.state.Symbol, id)
	cancel()
	if err != nil {
		e.log.Warn("CANCEL_FAILED_FETCHING_STATUS",
			slog.String("side", side.String()),
			slog.String("order_id", id),
			slog.Any("error", err))
		cctx, cancel := e.callCtx(ctx)
		o, err = venue.FetchOrder(cctx, r.state.Symbol, id)
		cancel()
		if errors.Is(err, domain.ErrOrderNotFound) {
			r.forget()
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel %s order %s on %s: %w", side, id, venue.Name(), err)
		}
	} else {
		r.events = append(r.events, &event.OrderCanceledEvent{
			BaseEvent: e.base(),
			Side:      side,
			OrderID:   id,
			Status:    o.Status,
			FilledQty: o.FilledQty,
		})
	}
	e.record(side, r, o, false)
	return nil
}

// cancelAll cancels the tracked orders of both legs concurrently.
func (e *Engine) cancelAll(ctx context.Context, c Context) (Context, PerSide[error]) {
	var sides []domain.Side
	for _, side := range domain.Sides {
		if c.Sides[side].OrderID != "" {
			sides = append(sides, side)
		}
	}
	var res PerSide[legResult]
	errs := forSides(e.log, sides, func(side domain.Side) error {
		r := legResult{state: c.Sides[side], active: e.active[side]}
		err := e.cancelLeg(ctx, side, &r)
		if err == nil && r.state.OrderID != "" {
			err = fmt.Errorf("%s order %s: %w", side, r.state.OrderID, errStillOpen)
		}
		res[side] = r
		return err
	})
	for _, side := range sides {
		e.mergeLeg(ctx, &c, side, res[side])
	}
	return c, errs
}

// manageOrders keeps one correctly priced order resting on every leg that
// still has quantity to fill.
func (e *Engine) manageOrders(ctx context.Context) error {
	next := e.c
	a := e.analyze(next)
	var res PerSide[legResult]
	errs := forSides(e.log, domain.Sides[:], func(side domain.Side) error {
		r, err := e.manageLeg(ctx, side, next, e.active[side], a)
		res[side] = r
		return err
	})
	for _, side := range domain.Sides {
		e.mergeLeg(ctx, &next, side, res[side])
	}
	return e.settle(ctx, next, StateSyncing, errs)
}

func (e *Engine) manageLeg(ctx context.Context, side domain.Side, c Context, active *domain.Order, a analysis) (legResult, error) {
	r := legResult{state: c.Sides[side], active: active}
	view := e.market[side]
	top := view.book.Top(side)

	if r.state.OrderID != "" {
		switch {
		case a.remaining[side] == 0:
			e.log.Info("Cancelling order of finished leg", slog.String("side", side.String()))
		case stale(view.info, r.active, top, r.state.TickTolerance):
			e.log.Info("STALE_ORDER",
				slog.String("side", side.String()),
				slog.String("order_id", r.state.OrderID),
				slog.String("price", quant.FormatPrice(r.active.Price)),
				slog.String("top", quant.FormatPrice(top)))
		default:
			return r, nil
		}
		if err := e.cancelLeg(ctx, side, &r); err != nil {
			return r, err
		}
		if r.state.OrderID != "" {
			return r, nil
		}
	}

	remaining := r.state.Remaining(c.TotalQty, a.minTradable[side])
	if remaining == 0 {
		return r, nil
	}
	qty := c.OrderQty
	if remaining < qty {
		qty = remaining
	}
	return r, e.place(ctx, side, &r, qty, view)
}

// place submits the leg's next order and starts tracking it.
func (e *Engine) place(ctx context.Context, side domain.Side, r *legResult, qty quant.QtySats, view marketView) error {
	venue := e.venues[side]
	sym := r.state.Symbol

	var (
		o     domain.Order
		err   error
		price quant.PriceMicros
		kind  = domain.OrderTypeLimit
	)
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	if r.state.MarketLeg() {
		kind = domain.OrderTypeMarket
		price = view.book.Top(side.Opposite())
		qty = sizeOrder(view.info, qty, price)
		o, err = venue.PlaceMarketOrder(cctx, sym, side, qty, price)
	} else {
		price = limitPrice(view.info, side, view.book.Top(side), r.state.OffsetTicks)
		if price <= 0 {
			return fmt.Errorf("%s limit price %s on %s: %w", side, price, venue.Name(), domain.ErrNoPrice)
		}
		qty = sizeOrder(view.info, qty, price)
		o, err = venue.PlaceLimitOrder(cctx, sym, side, qty, price)
	}
	if err != nil {
		return e.placementError(side, kind, err)
	}

	e.log.Info("ORDER_PLACED",
		slog.String("side", side.String()),
		slog.String("venue", venue.Name()),
		slog.String("order_id", o.ID),
		slog.String("type", string(kind)),
		slog.String("price", quant.FormatPrice(price)),
		slog.String("qty", quant.FormatQty(qty)))
	r.events = append(r.events, &event.OrderPlacedEvent{
		BaseEvent: e.base(),
		Side:      side,
		Venue:     venue.Name(),
		OrderID:   o.ID,
		Type:      kind,
		Price:     price,
		Qty:       qty,
	})
	e.record(side, r, o, true)
	return nil
}

// placementError decides what a failed placement means. Rejections leave the
// slot empty until the next cycle; other errors go to the caller.
func (e *Engine) placementError(side domain.Side, kind domain.OrderType, err error) error {
	if errors.Is(err, domain.ErrRejected) || errors.Is(err, domain.ErrInsufficientBalance) {
		e.log.Warn("ORDER_REJECTED",
			slog.String("side", side.String()),
			slog.String("type", string(kind)),
			slog.Any("error", err))
		return nil
	}
	return fmt.Errorf("place %s %s order: %w", side, kind, err)
}
