package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

const (
	btc = quant.QtySats(quant.QtyScale)
	usd = quant.PriceMicros(quant.PriceScale)
)

func newTestVenue(opts ...PaperOption) *PaperExchange {
	p := NewPaperExchange("paper", opts...)
	p.SetSymbolInfo(domain.SymbolInfo{
		Symbol:      "BTCUSDT",
		Base:        "BTC",
		Quote:       "USDT",
		TickSize:    usd / 10,
		QtyStep:     btc / 10000,
		MinQty:      btc / 10000,
		MinNotional: 5 * usd,
	})
	p.SetBook("BTCUSDT", 50000*usd, 50000*usd+usd/10)
	return p
}

func TestPaperExchange_LimitFillsWhenBookCrosses(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()

	o, err := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, btc/2, 49999*usd)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != domain.StatusNew || o.ClientID == "" {
		t.Fatalf("unexpected order %+v", o)
	}

	// Ask still above the limit: nothing happens
	p.SetBook("BTCUSDT", 49999*usd, 49999*usd+usd)
	if got, _ := p.FetchOrder(ctx, "BTCUSDT", o.ID); got.FilledQty != 0 {
		t.Fatalf("filled too early: %+v", got)
	}

	p.SetBook("BTCUSDT", 49998*usd, 49999*usd)
	got, err := p.FetchOrder(ctx, "BTCUSDT", o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFilled || got.FilledQty != btc/2 || got.AvgFillPrice != 49999*usd {
		t.Errorf("expected full fill at limit, got %+v", got)
	}
	if len(p.OpenOrders("BTCUSDT")) != 0 {
		t.Error("filled order still listed as open")
	}
}

func TestPaperExchange_PartialFill(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()

	o, _ := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Sell, btc, 50001*usd)
	if err := p.FillOrder(o.ID, btc/4); err != nil {
		t.Fatal(err)
	}
	got, _ := p.FetchOrder(ctx, "BTCUSDT", o.ID)
	if got.Status != domain.StatusPartiallyFilled || got.Remaining() != 3*btc/4 {
		t.Fatalf("unexpected partial state %+v", got)
	}

	// Over-filling caps at the remaining quantity
	if err := p.FillOrder(o.ID, 2*btc); err != nil {
		t.Fatal(err)
	}
	got, _ = p.FetchOrder(ctx, "BTCUSDT", o.ID)
	if got.Status != domain.StatusFilled || got.FilledQty != btc {
		t.Errorf("unexpected final state %+v", got)
	}
	if n := len(p.GetFills()); n != 2 {
		t.Errorf("expected 2 fills, got %d", n)
	}
}

func TestPaperExchange_MarketFillsAtTouch(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()

	buy, err := p.PlaceMarketOrder(ctx, "BTCUSDT", domain.Buy, btc/10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if buy.Status != domain.StatusFilled || buy.AvgFillPrice != 50000*usd+usd/10 {
		t.Errorf("market buy should take the ask: %+v", buy)
	}

	sell, err := p.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, btc/10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sell.AvgFillPrice != 50000*usd {
		t.Errorf("market sell should hit the bid: %+v", sell)
	}

	if _, err := p.PlaceMarketOrder(ctx, "ETHUSDT", domain.Sell, btc, 0); !errors.Is(err, domain.ErrNoPrice) {
		t.Errorf("expected ErrNoPrice without a book, got %v", err)
	}
}

func TestPaperExchange_Rejections(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()

	tests := []struct {
		name  string
		qty   quant.QtySats
		price quant.PriceMicros
	}{
		{"below min qty", btc / 100000, 50000 * usd},
		{"off step", btc/10000 + 1, 50000 * usd},
		{"below min notional", btc / 10000, 10 * usd},
		{"zero price", btc, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, tt.qty, tt.price)
			if !errors.Is(err, domain.ErrRejected) {
				t.Errorf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestPaperExchange_Cancel(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()

	o, _ := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, btc/2, 49000*usd)
	got, err := p.CancelOrder(ctx, "BTCUSDT", o.ID)
	if err != nil || got.Status != domain.StatusCanceled {
		t.Fatalf("cancel = %+v, %v", got, err)
	}
	if _, err := p.CancelOrder(ctx, "BTCUSDT", o.ID); !errors.Is(err, domain.ErrRejected) {
		t.Errorf("second cancel should be rejected, got %v", err)
	}
	if _, err := p.CancelOrder(ctx, "BTCUSDT", "nope"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := p.FetchOrder(ctx, "ETHUSDT", o.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("fetch on another symbol must miss, got %v", err)
	}
}

func TestPaperExchange_Balances(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue(WithBalances(map[string]quant.QtySats{
		"USDT": 30000 * btc, // 30,000 USDT in sats scale
		"BTC":  btc,
	}))

	o, err := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, btc/2, 49000*usd)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.GetBalance("USDT").ReservedSats; got != 24500*btc {
		t.Fatalf("reserved = %s, want 24500", got)
	}

	// Not enough left for another 0.5 BTC
	if _, err := p.PlaceLimitOrder(ctx, "BTCUSDT", domain.Buy, btc/2, 49000*usd); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := p.FillOrder(o.ID, btc/2); err != nil {
		t.Fatal(err)
	}
	usdt := p.GetBalance("USDT")
	if usdt.AmountSats != 5500*btc || usdt.ReservedSats != 0 {
		t.Errorf("USDT after fill = %+v", usdt)
	}
	if got := p.GetBalance("BTC").AmountSats; got != btc+btc/2 {
		t.Errorf("BTC after fill = %s", got)
	}

	if _, err := p.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, 2*btc, 0); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance on oversized sell, got %v", err)
	}
}

func TestPaperExchange_FailNext(t *testing.T) {
	ctx := context.Background()
	p := newTestVenue()
	boom := errors.New("boom")

	p.FailNext(OpTopOfBook, boom)
	if _, err := p.TopOfBook(ctx, "BTCUSDT"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := p.TopOfBook(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("failure must be consumed once, got %v", err)
	}
}
