package hedge

import (
	"context"
	"log/slog"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/safe"
)

// imbalanced reports whether side lags the other leg by more than the
// smallest order its venue would take.
func (a analysis) imbalanced(side domain.Side) bool {
	return a.gap[side] > a.minTradable[side]
}

// rebalance sends an urgent market order on every lagging leg. Legs only
// ever touch their own orders, so both can run at once.
func (e *Engine) rebalance(ctx context.Context) error {
	next := e.c
	a := e.analyze(next)

	var lagging []domain.Side
	for _, side := range domain.Sides {
		if a.imbalanced(side) {
			lagging = append(lagging, side)
		}
	}
	var res PerSide[legResult]
	errs := forSides(e.log, lagging, func(side domain.Side) error {
		r, err := e.rebalanceLeg(ctx, side, next.Sides[side], e.active[side], a)
		res[side] = r
		return err
	})
	for _, side := range lagging {
		e.mergeLeg(ctx, &next, side, res[side])
	}
	return e.settle(ctx, next, StateSyncing, errs)
}

func (e *Engine) rebalanceLeg(ctx context.Context, side domain.Side, ss SideState, active *domain.Order, a analysis) (legResult, error) {
	r := legResult{state: ss, active: active}
	view := e.market[side]
	venue := e.venues[side]

	if err := e.cancelLeg(ctx, side, &r); err != nil {
		return r, err
	}
	if r.state.OrderID != "" {
		e.log.Info("Rebalance deferred, order still open", slog.String("side", side.String()))
		return r, nil
	}

	// Fills that arrived with the cancel already narrowed the gap.
	gap := safe.Sub(a.gap[side], safe.Sub(r.state.FilledQty, ss.FilledQty))
	minQty := a.minTradable[side]
	qty := view.info.FloorQty(gap)
	if gap <= minQty || qty < minQty {
		return r, nil
	}

	ref := view.book.Top(side.Opposite())
	e.log.Warn("REBALANCE",
		slog.String("side", side.String()),
		slog.String("gap", quant.FormatQty(gap)),
		slog.String("qty", quant.FormatQty(qty)),
		slog.String("ref_price", quant.FormatPrice(ref)))
	r.events = append(r.events, &event.RebalanceEvent{BaseEvent: e.base(), Side: side, Gap: gap, Qty: qty})

	cctx, cancel := e.callCtx(ctx)
	o, err := venue.PlaceMarketOrder(cctx, ss.Symbol, side, qty, ref)
	cancel()
	if err != nil {
		return r, e.placementError(side, domain.OrderTypeMarket, err)
	}
	r.events = append(r.events, &event.OrderPlacedEvent{
		BaseEvent: e.base(),
		Side:      side,
		Venue:     venue.Name(),
		OrderID:   o.ID,
		Type:      domain.OrderTypeMarket,
		Price:     ref,
		Qty:       qty,
		Urgent:    true,
	})
	e.record(side, &r, o, true)
	return r, nil
}
