package hedge

import (
	"testing"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

func TestAbsorb_Idempotent(t *testing.T) {
	ss := SideState{OrderID: "o1"}
	partial := domain.Order{ID: "o1", Price: 100_000_000, Qty: 100_000_000, FilledQty: 40_000_000, Status: domain.StatusPartiallyFilled}

	ss, got := absorb(ss, partial)
	if got.qty != 40_000_000 || ss.FilledQty != 40_000_000 || ss.OrderBooked != 40_000_000 {
		t.Fatalf("first update: booked %s, state %+v", got.qty, ss)
	}

	// Same status again: nothing new
	ss2, got := absorb(ss, partial)
	if got.qty != 0 || ss2 != ss {
		t.Fatalf("re-feed changed the leg: %+v", ss2)
	}

	// Zero-fill update of another tracked order
	zero := SideState{OrderID: "o2"}
	if z, got := absorb(zero, domain.Order{ID: "o2", Status: domain.StatusNew}); got.qty != 0 || z.FilledQty != 0 || z.OrderID != "o2" {
		t.Fatalf("zero fill changed the leg: %+v", z)
	}

	done := partial
	done.FilledQty, done.Status = 100_000_000, domain.StatusFilled
	ss, got = absorb(ss, done)
	if got.qty != 60_000_000 || ss.FilledQty != 100_000_000 || ss.OrderID != "" || ss.OrderBooked != 0 || ss.OrderNotional != 0 {
		t.Fatalf("final update: booked %s, state %+v", got.qty, ss)
	}

	// A finished order seen again after the slot was cleared
	again, got := absorb(ss, done)
	if got.qty != 0 || again != ss {
		t.Fatalf("stale finished order was booked twice: %+v", again)
	}
}

func TestAbsorb_PartialFillsAtDifferentPrices(t *testing.T) {
	ss := SideState{OrderID: "o1"}
	o := domain.Order{ID: "o1", Price: 102_000_000, Qty: 100_000_000, Status: domain.StatusPartiallyFilled}

	o.FilledQty, o.AvgFillPrice = 20_000_000, 100_000_000 // 0.2 @ 100
	ss, got := absorb(ss, o)
	if got.qty != 20_000_000 || got.price != 100_000_000 {
		t.Fatalf("first slice = %s @ %s", got.qty, got.price)
	}

	// 0.3 more; the venue's average over 0.5 is now 101, so the slice cost 101.666667
	o.FilledQty, o.AvgFillPrice = 50_000_000, 101_000_000
	ss, got = absorb(ss, o)
	if got.qty != 30_000_000 || got.price != 101_666_667 {
		t.Fatalf("second slice = %s @ %s", got.qty, got.price)
	}
	if ss.FilledQty != 50_000_000 || ss.AvgPrice != 101_000_000 {
		t.Errorf("ledger = %s @ %s, want 0.5 @ 101", ss.FilledQty, ss.AvgPrice)
	}
	if ss.OrderNotional != 50_500_000 {
		t.Errorf("order notional = %s, want 50.5", ss.OrderNotional)
	}

	// No average reported: the limit price is used
	o.FilledQty, o.AvgFillPrice, o.Status = 60_000_000, 0, domain.StatusFilled
	ss, got = absorb(ss, o)
	if got.qty != 10_000_000 || got.price != 102_000_000 {
		t.Errorf("slice without average = %s @ %s", got.qty, got.price)
	}
	if ss.AvgPrice != 101_166_667 {
		t.Errorf("avg = %s, want 101.166667", ss.AvgPrice)
	}
}

func TestTrack_ImmediateFill(t *testing.T) {
	ss := SideState{OrderID: "old", OrderBooked: 5, OrderNotional: 7}
	o := domain.Order{ID: "m1", Type: domain.OrderTypeMarket, Qty: 50_000_000, FilledQty: 50_000_000, AvgFillPrice: 50_010_000_000, Status: domain.StatusFilled}

	ss, got := track(ss, o)
	if got.qty != 50_000_000 || got.price != 50_010_000_000 || ss.AvgPrice != 50_010_000_000 || ss.OrderID != "" {
		t.Errorf("track = %+v, %+v", got, ss)
	}
}

func TestLimitPriceAndSizing(t *testing.T) {
	info := domain.SymbolInfo{TickSize: 100_000, QtyStep: 100_000, MinQty: 100_000, MinNotional: 5_000_000}
	top := quant.PriceMicros(50_000_000_000)

	if got := limitPrice(info, domain.Buy, top, 1); got != 49_999_900_000 {
		t.Errorf("buy price = %s", got)
	}
	if got := limitPrice(info, domain.Sell, top, 3); got != 50_000_300_000 {
		t.Errorf("sell price = %s", got)
	}
	if got := limitPrice(info, domain.Buy, top, 0); got != top {
		t.Errorf("zero offset = %s", got)
	}

	tests := []struct {
		name  string
		info  domain.SymbolInfo
		qty   quant.QtySats
		price quant.PriceMicros
		want  quant.QtySats
	}{
		{"floors to step", info, 50_012_345, top, 50_000_000},
		{"raised to min qty", info, 10_000, top, 100_000},
		// 5 USDT at 100 USDT needs 0.05
		{"raised to min notional", info, 100_000, 100_000_000, 5_000_000},
		{"contract granularity", domain.SymbolInfo{ContractSize: 1_000_000}, 2_500_000, top, 2_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sizeOrder(tt.info, tt.qty, tt.price); got != tt.want {
				t.Errorf("sizeOrder = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStale(t *testing.T) {
	info := domain.SymbolInfo{TickSize: 100_000}
	o := &domain.Order{Type: domain.OrderTypeLimit, Price: 49_999_900_000}

	tests := []struct {
		top  quant.PriceMicros
		want bool
	}{
		{50_000_000_000, false}, // 1 tick
		{50_000_100_000, false}, // 2 ticks, at tolerance
		{50_000_150_000, true},  // 2.5 ticks
		{49_999_500_000, true},  // 4 ticks below
	}
	for _, tt := range tests {
		if got := stale(info, o, tt.top, 2); got != tt.want {
			t.Errorf("stale(top=%s) = %v, want %v", tt.top, got, tt.want)
		}
	}
	if stale(info, &domain.Order{Type: domain.OrderTypeMarket, Price: 1}, 50_000_000_000, 0) {
		t.Error("market orders are never stale")
	}
	if stale(info, nil, 1, 0) {
		t.Error("nil order cannot be stale")
	}
}
