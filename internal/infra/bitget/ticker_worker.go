package bitget

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
)

type streamQuote struct {
	book domain.BookTicker
	at   time.Time
}

// TickerWorker keeps the latest best bid/ask of every watched instrument
// from the public "ticker" channel. Symbols are subscribed on first Watch and
// resubscribed after every reconnect.
type TickerWorker struct {
	base     *infra.BaseWSWorker
	url      string
	instType string
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	symbols map[string]bool
	quotes  map[string]streamQuote
}

// NewTickerWorker creates a worker for instType ("SPOT", "USDT-FUTURES").
func NewTickerWorker(wsURL, instType string, log *slog.Logger) *TickerWorker {
	if wsURL == "" {
		wsURL = PublicWSURL
	}
	if log == nil {
		log = slog.Default()
	}
	w := &TickerWorker{
		url:      wsURL,
		instType: instType,
		log:      log,
		now:      time.Now,
		symbols:  make(map[string]bool),
		quotes:   make(map[string]streamQuote),
	}
	w.base = infra.NewBaseWSWorker(w)
	w.base.PingInterval = pingInterval
	w.base.ReadTimeout = readTimeout
	w.base.Logger = log
	return w
}

func (w *TickerWorker) ID() string     { return "BITGET_" + w.instType }
func (w *TickerWorker) GetURL() string { return w.url }

func (w *TickerWorker) Start(ctx context.Context) { w.base.Start(ctx) }
func (w *TickerWorker) Stop()                     { w.base.Stop() }
func (w *TickerWorker) Connected() bool           { return w.base.Connected() }

// Watch subscribes symbol if it is not subscribed yet.
func (w *TickerWorker) Watch(symbol string) {
	w.mu.Lock()
	known := w.symbols[symbol]
	w.symbols[symbol] = true
	w.mu.Unlock()
	if known {
		return
	}
	// Not connected yet is fine: OnConnect subscribes everything watched.
	if err := w.subscribe([]string{symbol}); err != nil {
		w.log.Debug("Deferred ticker subscription", slog.String("symbol", symbol), slog.Any("error", err))
	}
}

// Book returns the streamed top of book if it is fresh enough to trade on.
func (w *TickerWorker) Book(symbol string) (domain.BookTicker, bool) {
	w.mu.RLock()
	q, ok := w.quotes[symbol]
	w.mu.RUnlock()
	if !ok || w.now().Sub(q.at) > streamFreshness {
		return domain.BookTicker{}, false
	}
	return q.book, true
}

func (w *TickerWorker) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]subscribeArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, subscribeArg{InstType: w.instType, Channel: "ticker", InstId: s})
	}
	b, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
	if err != nil {
		return err
	}
	return w.base.Write(websocket.TextMessage, b)
}

func (w *TickerWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	w.mu.RLock()
	symbols := make([]string, 0, len(w.symbols))
	for s := range w.symbols {
		symbols = append(symbols, s)
	}
	w.mu.RUnlock()
	return w.subscribe(symbols)
}

func (w *TickerWorker) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var resp tickerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}
	if resp.Arg.Channel != "ticker" || len(resp.Data) == 0 {
		return
	}

	now := w.now()
	for _, data := range resp.Data {
		book, err := parseBook(data.InstId, data.BidPr, data.AskPr, data.Ts)
		if err != nil {
			w.log.Debug("Dropping ticker", slog.String("inst", data.InstId), slog.Any("error", err))
			continue
		}
		w.mu.Lock()
		if w.symbols[data.InstId] {
			w.quotes[data.InstId] = streamQuote{book: book, at: now}
		}
		w.mu.Unlock()
	}
}

func (w *TickerWorker) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return w.base.Write(websocket.TextMessage, []byte("ping"))
}

// OnDisconnect drops every quote; nothing streamed before the drop is
// trusted after it.
func (w *TickerWorker) OnDisconnect() {
	w.mu.Lock()
	w.quotes = make(map[string]streamQuote)
	w.mu.Unlock()
}
