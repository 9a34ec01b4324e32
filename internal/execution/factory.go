package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra/bitget"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Venue is one configured exchange as the engines see it.
type Venue struct {
	Name     string
	Kind     string
	Exchange domain.Exchange
	// Breaker is nil for simulated venues.
	Breaker *infra.CircuitBreaker
	// Paper is set when orders on this venue are simulated.
	Paper *PaperExchange

	client *bitget.Client
	stream *bitget.TickerWorker
}

// VenueSet owns every venue built from the configuration.
type VenueSet struct {
	venues map[string]*Venue
}

// Get returns the exchange registered under name.
func (s *VenueSet) Get(name string) (domain.Exchange, bool) {
	v, ok := s.venues[name]
	if !ok {
		return nil, false
	}
	return v.Exchange, true
}

// Venue returns the full venue entry.
func (s *VenueSet) Venue(name string) (*Venue, bool) {
	v, ok := s.venues[name]
	return v, ok
}

func (s *VenueSet) Names() []string {
	names := make([]string, 0, len(s.venues))
	for n := range s.venues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Health reports the breaker state of every live venue and flags ticker
// streams that are configured but disconnected.
func (s *VenueSet) Health() map[string]string {
	out := make(map[string]string, len(s.venues))
	for name, v := range s.venues {
		if v.Breaker == nil {
			out[name] = "SIMULATED"
			continue
		}
		state := v.Breaker.State().String()
		if v.stream != nil && !v.stream.Connected() {
			// REST still serves the book; only the stream is down.
			state += "+STREAM_DOWN"
		}
		out[name] = state
	}
	return out
}

// Start connects the websocket ticker feeds.
func (s *VenueSet) Start(ctx context.Context) {
	for _, v := range s.venues {
		if v.stream != nil {
			v.stream.Start(ctx)
		}
	}
}

// Close stops the feeds and wipes API keys from memory.
func (s *VenueSet) Close() {
	for _, v := range s.venues {
		if v.stream != nil {
			v.stream.Stop()
		}
		if v.client != nil {
			v.client.Close()
		}
	}
}

// ExecutionFactory builds venues for the configured trading mode.
//
//	PAPER: every order is simulated. Bitget venues keep reading real public
//	       market data and paper venues may borrow it through price_source.
//	DEMO:  Bitget venues trade on Bitget demo trading.
//	REAL:  Bitget venues trade real funds; needs CONFIRM_REAL_MONEY=true.
type ExecutionFactory struct {
	config     *infra.Config
	log        *slog.Logger
	httpClient *http.Client
	getenv     func(string) string
}

// NewExecutionFactory creates a new factory
func NewExecutionFactory(cfg *infra.Config, log *slog.Logger) *ExecutionFactory {
	if log == nil {
		log = slog.Default()
	}
	return &ExecutionFactory{
		config:     cfg,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.Engine.RequestTimeout()},
		getenv:     os.Getenv,
	}
}

// CreateVenues builds one venue per configured exchange.
func (f *ExecutionFactory) CreateVenues() (*VenueSet, error) {
	mode := f.config.Trading.Mode
	f.log.Info("Initializing execution venues", slog.String("mode", mode))

	switch mode {
	case infra.ModePaper:
	case infra.ModeDemo:
		f.log.Info("🔒 Orders go to Bitget DEMO trading")
	case infra.ModeReal:
		// Real Trading: SAFETY LATCH CHECK
		if f.getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, fmt.Errorf("SAFETY_GUARD: real trading requires CONFIRM_REAL_MONEY=true")
		}
		f.log.Warn("🚨🚨🚨 Orders go to Bitget REAL (Mainnet) 🚨🚨🚨")
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}

	set := &VenueSet{venues: make(map[string]*Venue, len(f.config.Exchanges))}

	// Live venues first so paper venues can use them as price sources.
	for _, ex := range f.config.Exchanges {
		if ex.Kind == infra.KindPaper {
			continue
		}
		v, err := f.liveVenue(ex)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("venue %s: %w", ex.Name, err)
		}
		set.venues[ex.Name] = v
	}
	for _, ex := range f.config.Exchanges {
		if ex.Kind != infra.KindPaper {
			continue
		}
		var src MarketSource
		if ex.PriceSource != "" {
			live, ok := set.venues[ex.PriceSource]
			if !ok {
				set.Close()
				return nil, fmt.Errorf("venue %s: unknown price source %q", ex.Name, ex.PriceSource)
			}
			src = live.marketData()
		}
		p, err := f.paperVenue(ex, src)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("venue %s: %w", ex.Name, err)
		}
		set.venues[ex.Name] = &Venue{Name: ex.Name, Kind: ex.Kind, Exchange: p, Paper: p}
	}
	return set, nil
}

// marketData is the venue's read path without the paper layer on top.
func (v *Venue) marketData() MarketSource {
	if v.Paper != nil && v.Paper.source != nil {
		return v.Paper.source
	}
	return v.Exchange
}

func (f *ExecutionFactory) liveVenue(ex infra.ExchangeConfig) (*Venue, error) {
	market := bitget.Spot
	if ex.Kind == infra.KindBitgetFutures {
		market = bitget.Futures
	}
	paper := f.config.Trading.Mode == infra.ModePaper

	opts := bitget.Options{
		Name:       ex.Name,
		Market:     market,
		BaseURL:    ex.RestURL,
		Demo:       f.config.Trading.Mode == infra.ModeDemo,
		HTTPClient: f.httpClient,
		Logger:     f.log,
	}
	if !paper {
		if f.config.Bitget.Empty() {
			return nil, fmt.Errorf("%s mode needs Bitget API credentials", f.config.Trading.Mode)
		}
		opts.Credentials = f.config.Bitget
	}
	client := bitget.NewClient(opts)

	v := &Venue{Name: ex.Name, Kind: ex.Kind, client: client}
	if ex.Stream {
		v.stream = bitget.NewTickerWorker(ex.WSURL, client.InstType(), f.log)
		client.AttachStream(v.stream)
	}

	v.Breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             ex.Name,
		FailureThreshold: ex.Breaker.FailureThreshold,
		SuccessThreshold: 1,
		Timeout:          msOr(ex.Breaker.OpenTimeoutMS, 30*time.Second),
		IsFailure:        domain.IsTransient,
		Logger:           f.log,
	})
	live := NewResilient(client, ResilientConfig{
		Limiters: limiters(ex),
		Breaker:  v.Breaker,
		Backoff: infra.Backoff{
			Base: msOr(ex.Retry.BaseMS, 200*time.Millisecond),
			Max:  msOr(ex.Retry.MaxMS, 2*time.Second),
		},
		MaxRetries: ex.Retry.MaxRetries,
		Logger:     f.log,
	})

	if paper {
		// Real prices, simulated orders.
		p := NewPaperExchange(ex.Name, WithMarketSource(live))
		v.Exchange, v.Paper = p, p
		return v, nil
	}
	v.Exchange = live
	return v, nil
}

func (f *ExecutionFactory) paperVenue(ex infra.ExchangeConfig, src MarketSource) (*PaperExchange, error) {
	var opts []PaperOption
	if src != nil {
		opts = append(opts, WithMarketSource(src))
	}
	if len(ex.Balances) > 0 {
		deposits := make(map[string]quant.QtySats, len(ex.Balances))
		for asset, amt := range ex.Balances {
			q, err := quant.ParseQty(amt)
			if err != nil || q < 0 {
				return nil, fmt.Errorf("balance %s %q: invalid amount", asset, amt)
			}
			deposits[asset] = q
		}
		opts = append(opts, WithBalances(deposits))
	}
	p := NewPaperExchange(ex.Name, opts...)

	for _, s := range ex.Symbols {
		info, bid, ask, err := parsePaperSymbol(s)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", s.Symbol, err)
		}
		p.SetSymbolInfo(info)
		if bid > 0 && ask > 0 {
			p.SetBook(s.Symbol, bid, ask)
		}
	}
	return p, nil
}

func parsePaperSymbol(s infra.PaperSymbolConfig) (domain.SymbolInfo, quant.PriceMicros, quant.PriceMicros, error) {
	info := domain.SymbolInfo{Symbol: s.Symbol, Base: s.Base, Quote: s.Quote}
	if info.Symbol == "" {
		return info, 0, 0, fmt.Errorf("symbol name required")
	}
	var (
		bid, ask quant.PriceMicros
		err      error
	)
	prices := []struct {
		dst *quant.PriceMicros
		src string
	}{{&info.TickSize, s.TickSize}, {&info.MinNotional, s.MinNotional}, {&bid, s.Bid}, {&ask, s.Ask}}
	for _, p := range prices {
		if *p.dst, err = quant.ParsePrice(p.src); err != nil {
			return info, 0, 0, err
		}
	}
	qtys := []struct {
		dst *quant.QtySats
		src string
	}{{&info.QtyStep, s.QtyStep}, {&info.MinQty, s.MinQty}, {&info.ContractSize, s.ContractSize}}
	for _, q := range qtys {
		if *q.dst, err = quant.ParseQty(q.src); err != nil {
			return info, 0, 0, err
		}
	}
	if info.TickSize <= 0 || info.Granularity() <= 0 {
		return info, 0, 0, fmt.Errorf("tick_size and qty_step must be positive")
	}
	return info, bid, ask, nil
}

func limiters(ex infra.ExchangeConfig) infra.VenueLimiters {
	l := infra.NewBitgetLimiters()
	rl := ex.RateLimit
	if rl.OrdersPerSec > 0 {
		l.Order = infra.NewRateLimiter(rl.OrderBurst, rl.OrdersPerSec)
	}
	if rl.MarketPerSec > 0 {
		l.Market = infra.NewRateLimiter(rl.MarketBurst, rl.MarketPerSec)
	}
	return l
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
