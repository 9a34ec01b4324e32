package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/execution"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Places one far-from-market limit buy on a DEMO venue, reads it back and
// cancels it.
func main() {
	venueName := flag.String("venue", "", "venue name from the config")
	symbol := flag.String("symbol", "BTCUSDT", "venue symbol")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("🚀 Starting Bitget Integration Test...")

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Trading.Mode != infra.ModeDemo {
		slog.Error("❌ Integration test only runs in DEMO mode", "mode", cfg.Trading.Mode)
		os.Exit(1)
	}

	venues, err := execution.NewExecutionFactory(cfg, logger).CreateVenues()
	if err != nil {
		slog.Error("❌ Failed to create venues", "error", err)
		os.Exit(1)
	}
	// Wipes the API keys on exit.
	defer venues.Close()

	ex, ok := venues.Get(*venueName)
	if !ok {
		slog.Error("❌ Unknown venue", "venue", *venueName, "known", venues.Names())
		os.Exit(1)
	}
	if err := run(context.Background(), ex, *symbol); err != nil {
		slog.Error("❌ Integration test failed", "error", err)
		os.Exit(1)
	}
	slog.Info("🎉 Integration Test Passed!")
}

func run(ctx context.Context, ex domain.Exchange, symbol string) error {
	info, err := ex.Precision(ctx, symbol)
	if err != nil {
		return err
	}
	book, err := ex.TopOfBook(ctx, symbol)
	if err != nil {
		return err
	}
	slog.Info("STEP 0: Market", "bid", book.Bid.String(), "ask", book.Ask.String(), "tick", info.TickSize.String())

	// 20% under the bid never fills.
	price := info.RoundPrice(book.Bid*8/10, domain.Buy)
	qty := info.MinTradable(price)

	slog.Info("STEP 1: Placing Order...", "price", quant.FormatPrice(price), "qty", quant.FormatQty(qty))
	placed, err := ex.PlaceLimitOrder(ctx, symbol, domain.Buy, qty, price)
	if err != nil {
		return err
	}
	slog.Info("✅ Order Placed Successfully", "oid", placed.ID)

	time.Sleep(2 * time.Second)

	fetched, err := ex.FetchOrder(ctx, symbol, placed.ID)
	if err != nil {
		return err
	}
	slog.Info("STEP 2: Order Status", "status", fetched.Status, "filled", fetched.FilledQty.String())

	slog.Info("STEP 3: Canceling Order...", "oid", placed.ID)
	canceled, err := ex.CancelOrder(ctx, symbol, placed.ID)
	if err != nil {
		return err
	}
	slog.Info("✅ Order Canceled Successfully", "status", canceled.Status)
	return nil
}
