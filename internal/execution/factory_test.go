package execution

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paperConfig(mode string) *infra.Config {
	cfg := &infra.Config{}
	cfg.Trading.Mode = mode
	cfg.Engine.RequestTimeoutMS = 1000
	sim := infra.ExchangeConfig{
		Name:     "sim",
		Kind:     infra.KindPaper,
		Balances: map[string]string{"USDT": "100000", "BTC": "1.5"},
		Symbols: []infra.PaperSymbolConfig{{
			Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
			TickSize: "0.1", QtyStep: "0.001", MinQty: "0.001", MinNotional: "5",
			Bid: "50000", Ask: "50000.1",
		}},
	}
	cfg.Exchanges = []infra.ExchangeConfig{sim}
	return cfg
}

func newFactory(cfg *infra.Config, env map[string]string) *ExecutionFactory {
	f := NewExecutionFactory(cfg, quietLog())
	f.getenv = func(k string) string { return env[k] }
	return f
}

func TestFactory_PaperVenue(t *testing.T) {
	set, err := newFactory(paperConfig(infra.ModePaper), nil).CreateVenues()
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	ex, ok := set.Get("sim")
	if !ok {
		t.Fatal("venue sim missing")
	}
	ctx := context.Background()
	info, err := ex.Precision(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if info.TickSize != 100_000 || info.QtyStep != 100_000 || info.MinNotional != 5_000_000 {
		t.Errorf("info = %+v", info)
	}
	book, err := ex.TopOfBook(ctx, "BTCUSDT")
	if err != nil || book.Ask != 50_000_100_000 {
		t.Fatalf("book = %+v err=%v", book, err)
	}

	v, _ := set.Venue("sim")
	if v.Paper.GetBalance("BTC").AmountSats != 150_000_000 {
		t.Errorf("BTC balance = %d", v.Paper.GetBalance("BTC").AmountSats)
	}
	if got := set.Health()["sim"]; got != "SIMULATED" {
		t.Errorf("health = %s", got)
	}
}

func TestFactory_PaperPricesFromLiveVenue(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"code":"00000","data":[{"symbol":"ETHUSDT","bidPr":"3000.5","askPr":"3000.6"}]}`))
	}))
	defer server.Close()

	cfg := paperConfig(infra.ModePaper)
	cfg.Exchanges = append(cfg.Exchanges, infra.ExchangeConfig{Name: "bg", Kind: infra.KindBitgetSpot, RestURL: server.URL})
	cfg.Exchanges[0].PriceSource = "bg"

	set, err := newFactory(cfg, nil).CreateVenues()
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()
	if strings.Join(set.Names(), ",") != "bg,sim" {
		t.Errorf("names = %v", set.Names())
	}

	for _, name := range set.Names() {
		ex, _ := set.Get(name)
		book, err := ex.TopOfBook(context.Background(), "ETHUSDT")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if book.Bid != 3_000_500_000 {
			t.Errorf("%s bid = %d", name, book.Bid)
		}
		// Orders stay simulated in paper mode, live venue included.
		if _, ok := ex.(*PaperExchange); !ok {
			t.Errorf("%s is %T, want *PaperExchange", name, ex)
		}
	}
	if calls != 2 {
		t.Errorf("REST calls = %d", calls)
	}
	if set.Health()["bg"] != "CLOSED" {
		t.Errorf("health = %v", set.Health())
	}
}

func TestFactory_LiveModes(t *testing.T) {
	live := func(mode string) *infra.Config {
		cfg := paperConfig(mode)
		cfg.Exchanges = append(cfg.Exchanges, infra.ExchangeConfig{Name: "bg", Kind: infra.KindBitgetFutures})
		return cfg
	}
	creds := infra.Credentials{AccessKey: "k", SecretKey: "s", Passphrase: "p"}

	t.Run("real needs confirmation", func(t *testing.T) {
		cfg := live(infra.ModeReal)
		cfg.Bitget = creds
		if _, err := newFactory(cfg, nil).CreateVenues(); err == nil || !strings.Contains(err.Error(), "SAFETY_GUARD") {
			t.Fatalf("expected safety guard, got %v", err)
		}
	})

	t.Run("demo needs credentials", func(t *testing.T) {
		if _, err := newFactory(live(infra.ModeDemo), nil).CreateVenues(); err == nil {
			t.Fatal("expected credentials error")
		}
	})

	t.Run("real with confirmation", func(t *testing.T) {
		cfg := live(infra.ModeReal)
		cfg.Bitget = creds
		set, err := newFactory(cfg, map[string]string{"CONFIRM_REAL_MONEY": "true"}).CreateVenues()
		if err != nil {
			t.Fatal(err)
		}
		defer set.Close()
		ex, _ := set.Get("bg")
		r, ok := ex.(*Resilient)
		if !ok {
			t.Fatalf("bg is %T, want *Resilient", ex)
		}
		if r.Name() != "bg" {
			t.Errorf("name = %s", r.Name())
		}
		var _ domain.Exchange = r.Unwrap()
	})
}

func TestFactory_InvalidPaperSymbol(t *testing.T) {
	cfg := paperConfig(infra.ModePaper)
	cfg.Exchanges[0].Symbols[0].TickSize = "0"
	if _, err := newFactory(cfg, nil).CreateVenues(); err == nil {
		t.Fatal("expected error for zero tick size")
	}
}

func TestFactory_HealthFlagsDownStream(t *testing.T) {
	cfg := paperConfig(infra.ModePaper)
	cfg.Exchanges = append(cfg.Exchanges, infra.ExchangeConfig{
		Name: "bg", Kind: infra.KindBitgetSpot, Stream: true, WSURL: "ws://127.0.0.1:1/ws",
	})
	set, err := newFactory(cfg, nil).CreateVenues()
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	// Never started, so never connected.
	if got := set.Health()["bg"]; got != "CLOSED+STREAM_DOWN" {
		t.Errorf("health = %s", got)
	}
	if got := set.Health()["sim"]; got != "SIMULATED" {
		t.Errorf("sim health = %s", got)
	}
}
