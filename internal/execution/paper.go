package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Operation names accepted by FailNext.
const (
	OpTopOfBook   = "top_of_book"
	OpPrecision   = "precision"
	OpPlaceLimit  = "place_limit"
	OpPlaceMarket = "place_market"
	OpCancel      = "cancel"
	OpFetch       = "fetch"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID      string
	Symbol       string
	Side         domain.Side
	PriceMicros  quant.PriceMicros
	QtySats      quant.QtySats
	TsUnixMicros int64
}

// MarketSource feeds a paper venue with real prices and trading rules.
type MarketSource interface {
	TopOfBook(ctx context.Context, symbol string) (domain.BookTicker, error)
	Precision(ctx context.Context, symbol string) (domain.SymbolInfo, error)
}

// PaperExchange simulates one venue in memory. Resting limit orders fill in
// full once the book trades through them; market orders fill at the touch.
// Used for paper trading and tests.
type PaperExchange struct {
	name string
	mu   sync.Mutex

	books    map[string]domain.BookTicker
	infos    map[string]domain.SymbolInfo
	orders   map[string]*domain.Order
	fills    []Fill
	balances *domain.BalanceBook // nil means unlimited funds
	failNext map[string][]error
	source   MarketSource
	nextID   uint64
	seq      uint64
	now      func() time.Time
}

type PaperOption func(*PaperExchange)

// WithBalances enables balance checks starting from the given deposits
// (asset -> amount in sats scale).
func WithBalances(deposits map[string]quant.QtySats) PaperOption {
	return func(p *PaperExchange) {
		p.balances = domain.NewBalanceBook()
		for asset, amt := range deposits {
			p.balances.Get(asset).Credit(amt, 0)
		}
	}
}

// WithMarketSource makes TopOfBook and Precision read through src.
func WithMarketSource(src MarketSource) PaperOption {
	return func(p *PaperExchange) { p.source = src }
}

// WithClock overrides time.Now for order timestamps.
func WithClock(now func() time.Time) PaperOption {
	return func(p *PaperExchange) { p.now = now }
}

// NewPaperExchange creates a new paper venue.
func NewPaperExchange(name string, opts ...PaperOption) *PaperExchange {
	p := &PaperExchange{
		name:     name,
		books:    make(map[string]domain.BookTicker),
		infos:    make(map[string]domain.SymbolInfo),
		orders:   make(map[string]*domain.Order),
		failNext: make(map[string][]error),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PaperExchange) Name() string { return p.name }

// SetSymbolInfo registers the trading rules of a symbol.
func (p *PaperExchange) SetSymbolInfo(info domain.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos[info.Symbol] = info
}

// SetBook updates the top of book and fills every resting order it crosses.
func (p *PaperExchange) SetBook(symbol string, bid, ask quant.PriceMicros) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setBookLocked(domain.BookTicker{Symbol: symbol, Bid: bid, Ask: ask, TsUnixM: quant.TimeStamp(p.now().UnixMicro())})
}

// FailNext queues err as the result of the next call to op.
func (p *PaperExchange) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = append(p.failNext[op], err)
}

// FillOrder fills up to qty more of an open order at its limit price.
func (p *PaperExchange) FillOrder(id string, qty quant.QtySats) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper fill %s: %w", id, domain.ErrOrderNotFound)
	}
	if !o.IsOpen() {
		return fmt.Errorf("paper fill %s: order is %s", id, o.Status)
	}
	if rem := o.Remaining(); qty > rem {
		qty = rem
	}
	return p.fillLocked(o, qty, o.Price)
}

func (p *PaperExchange) TopOfBook(ctx context.Context, symbol string) (domain.BookTicker, error) {
	if err := p.takeFailure(OpTopOfBook); err != nil {
		return domain.BookTicker{}, err
	}
	if p.source != nil {
		book, err := p.source.TopOfBook(ctx, symbol)
		if err != nil {
			return domain.BookTicker{}, err
		}
		book.Symbol = symbol
		p.mu.Lock()
		p.setBookLocked(book)
		p.mu.Unlock()
		return book, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	book, ok := p.books[symbol]
	if !ok {
		return domain.BookTicker{}, fmt.Errorf("paper %s %s: %w", p.name, symbol, domain.ErrNoPrice)
	}
	return book, nil
}

func (p *PaperExchange) Precision(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	if err := p.takeFailure(OpPrecision); err != nil {
		return domain.SymbolInfo{}, err
	}
	p.mu.Lock()
	info, ok := p.infos[symbol]
	p.mu.Unlock()
	if ok {
		return info, nil
	}
	if p.source != nil {
		info, err := p.source.Precision(ctx, symbol)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		p.SetSymbolInfo(info)
		return info, nil
	}
	return domain.SymbolInfo{}, fmt.Errorf("paper %s: unknown symbol %s", p.name, symbol)
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, price quant.PriceMicros) (domain.Order, error) {
	if err := p.takeFailure(OpPlaceLimit); err != nil {
		return domain.Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if price <= 0 {
		return domain.Order{}, fmt.Errorf("paper limit price %s: %w", price, domain.ErrRejected)
	}
	if err := p.checkMinimumsLocked(symbol, qty, price); err != nil {
		return domain.Order{}, err
	}
	o := p.newOrderLocked(symbol, side, domain.OrderTypeLimit, qty, price)
	if err := p.reserveLocked(o); err != nil {
		return domain.Order{}, err
	}
	p.orders[o.ID] = o

	slog.Info("PAPER EXECUTION: Limit Order Accepted",
		slog.String("venue", p.name),
		slog.String("id", o.ID),
		slog.String("symbol", symbol),
		slog.String("side", side.String()),
		slog.String("price", quant.FormatPrice(price)),
		slog.String("qty", quant.FormatQty(qty)))

	// A limit that crosses the book takes liquidity right away.
	if book, ok := p.books[symbol]; ok && crosses(o, book) {
		if err := p.fillLocked(o, o.Qty, o.Price); err != nil {
			return domain.Order{}, err
		}
	}
	return *o, nil
}

func (p *PaperExchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, refPrice quant.PriceMicros) (domain.Order, error) {
	if err := p.takeFailure(OpPlaceMarket); err != nil {
		return domain.Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[symbol]
	if !ok || !book.Valid() {
		return domain.Order{}, fmt.Errorf("paper market %s: %w", symbol, domain.ErrNoPrice)
	}
	exec := book.Top(side.Opposite())
	if err := p.checkMinimumsLocked(symbol, qty, exec); err != nil {
		return domain.Order{}, err
	}
	o := p.newOrderLocked(symbol, side, domain.OrderTypeMarket, qty, refPrice)
	if err := p.checkFundsLocked(o, exec); err != nil {
		return domain.Order{}, err
	}
	p.orders[o.ID] = o
	if err := p.fillLocked(o, qty, exec); err != nil {
		return domain.Order{}, err
	}
	return *o, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	if err := p.takeFailure(OpCancel); err != nil {
		return domain.Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return domain.Order{}, fmt.Errorf("paper cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if !o.IsOpen() {
		return domain.Order{}, fmt.Errorf("cannot cancel %s order %s: %w", o.Status, orderID, domain.ErrRejected)
	}
	p.releaseLocked(o, o.Remaining())
	o.Status = domain.StatusCanceled
	slog.Info("PAPER EXECUTION: Order Canceled", slog.String("venue", p.name), slog.String("id", orderID))
	return *o, nil
}

func (p *PaperExchange) FetchOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	if err := p.takeFailure(OpFetch); err != nil {
		return domain.Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return domain.Order{}, fmt.Errorf("paper fetch %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return *o, nil
}

// OpenOrders returns the open orders on symbol, oldest first.
func (p *PaperExchange) OpenOrders(symbol string) []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.Order
	for _, o := range p.orders {
		if o.Symbol == symbol && o.IsOpen() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedUnixM != out[j].CreatedUnixM {
			return out[i].CreatedUnixM < out[j].CreatedUnixM
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetFills returns all executed fills.
func (p *PaperExchange) GetFills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Fill, len(p.fills))
	copy(result, p.fills)
	return result
}

// GetBalance returns balance for an asset. Without balance tracking it is
// always empty.
func (p *PaperExchange) GetBalance(asset string) domain.Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances == nil {
		return domain.Balance{Symbol: asset}
	}
	return *p.balances.Get(asset)
}

func (p *PaperExchange) takeFailure(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.failNext[op]
	if len(q) == 0 {
		return nil
	}
	p.failNext[op] = q[1:]
	return q[0]
}

func (p *PaperExchange) newOrderLocked(symbol string, side domain.Side, kind domain.OrderType, qty quant.QtySats, price quant.PriceMicros) *domain.Order {
	p.nextID++
	return &domain.Order{
		ID:           fmt.Sprintf("%s-%d", p.name, p.nextID),
		ClientID:     uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		Type:         kind,
		Price:        price,
		Qty:          qty,
		Status:       domain.StatusNew,
		CreatedUnixM: p.now().UnixMicro(),
	}
}

func (p *PaperExchange) setBookLocked(book domain.BookTicker) {
	p.books[book.Symbol] = book
	for _, o := range p.orders {
		if o.Symbol == book.Symbol && o.IsOpen() && o.Type == domain.OrderTypeLimit && crosses(o, book) {
			if err := p.fillLocked(o, o.Remaining(), o.Price); err != nil {
				slog.Warn("PAPER EXECUTION: fill skipped", slog.String("id", o.ID), slog.Any("error", err))
			}
		}
	}
}

// crosses reports whether the opposite touch trades through a limit order.
func crosses(o *domain.Order, book domain.BookTicker) bool {
	if o.Side == domain.Buy {
		return book.Ask > 0 && book.Ask <= o.Price
	}
	return book.Bid > 0 && book.Bid >= o.Price
}

func (p *PaperExchange) checkMinimumsLocked(symbol string, qty quant.QtySats, price quant.PriceMicros) error {
	info, ok := p.infos[symbol]
	if !ok {
		return fmt.Errorf("paper %s: unknown symbol %s: %w", p.name, symbol, domain.ErrRejected)
	}
	if qty <= 0 || qty < info.MinQty {
		return fmt.Errorf("qty %s below minimum %s: %w", qty, info.MinQty, domain.ErrRejected)
	}
	if g := info.Granularity(); g > 0 && qty%g != 0 {
		return fmt.Errorf("qty %s not a multiple of %s: %w", qty, g, domain.ErrRejected)
	}
	if info.MinNotional > 0 && price > 0 && quant.Notional(price, qty) < info.MinNotional {
		return fmt.Errorf("notional below %s: %w", info.MinNotional, domain.ErrRejected)
	}
	return nil
}

// quoteSats converts a notional into the sats scale balances use.
func quoteSats(price quant.PriceMicros, qty quant.QtySats) quant.QtySats {
	return quant.QtyFromDecimal(price.Decimal().Mul(qty.Decimal()))
}

func (p *PaperExchange) assets(symbol string) (base, quote string) {
	info := p.infos[symbol]
	return info.Base, info.Quote
}

// reserveLocked locks the funds a resting order may consume.
func (p *PaperExchange) reserveLocked(o *domain.Order) error {
	if p.balances == nil {
		return nil
	}
	base, quote := p.assets(o.Symbol)
	p.seq++
	if o.Side == domain.Buy {
		return p.balances.Get(quote).Reserve(quoteSats(o.Price, o.Qty), p.seq)
	}
	return p.balances.Get(base).Reserve(o.Qty, p.seq)
}

func (p *PaperExchange) releaseLocked(o *domain.Order, qty quant.QtySats) {
	if p.balances == nil || o.Type != domain.OrderTypeLimit {
		return
	}
	base, quote := p.assets(o.Symbol)
	p.seq++
	if o.Side == domain.Buy {
		p.balances.Get(quote).Release(quoteSats(o.Price, qty), p.seq)
		return
	}
	p.balances.Get(base).Release(qty, p.seq)
}

func (p *PaperExchange) checkFundsLocked(o *domain.Order, exec quant.PriceMicros) error {
	if p.balances == nil {
		return nil
	}
	base, quote := p.assets(o.Symbol)
	if o.Side == domain.Buy {
		if need := quoteSats(exec, o.Qty); p.balances.Get(quote).AvailableSats() < need {
			return fmt.Errorf("%s need %s: %w", quote, need, domain.ErrInsufficientBalance)
		}
		return nil
	}
	if p.balances.Get(base).AvailableSats() < o.Qty {
		return fmt.Errorf("%s need %s: %w", base, o.Qty, domain.ErrInsufficientBalance)
	}
	return nil
}

// fillLocked executes qty of o at price and settles balances.
func (p *PaperExchange) fillLocked(o *domain.Order, qty quant.QtySats, price quant.PriceMicros) error {
	if qty <= 0 {
		return nil
	}
	p.releaseLocked(o, qty)
	if p.balances != nil {
		base, quote := p.assets(o.Symbol)
		p.seq++
		if o.Side == domain.Buy {
			cost := quoteSats(price, qty)
			if p.balances.Get(quote).AvailableSats() < cost {
				return fmt.Errorf("%s need %s: %w", quote, cost, domain.ErrInsufficientBalance)
			}
			p.balances.Get(quote).Debit(cost, p.seq)
			p.balances.Get(base).Credit(qty, p.seq)
		} else {
			if p.balances.Get(base).AvailableSats() < qty {
				return fmt.Errorf("%s need %s: %w", base, qty, domain.ErrInsufficientBalance)
			}
			p.balances.Get(base).Debit(qty, p.seq)
			p.balances.Get(quote).Credit(quoteSats(price, qty), p.seq)
		}
		p.balances.VerifyAll()
	}

	o.AvgFillPrice = quant.PriceFromDecimal(
		o.AvgFillPrice.Decimal().Mul(o.FilledQty.Decimal()).
			Add(price.Decimal().Mul(qty.Decimal())).
			Div(o.FilledQty.Decimal().Add(qty.Decimal())))
	o.FilledQty += qty
	if o.FilledQty >= o.Qty {
		o.Status = domain.StatusFilled
	} else {
		o.Status = domain.StatusPartiallyFilled
	}

	p.fills = append(p.fills, Fill{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		PriceMicros:  price,
		QtySats:      qty,
		TsUnixMicros: p.now().UnixMicro(),
	})
	slog.Info("PAPER EXECUTION: Order Filled",
		slog.String("venue", p.name),
		slog.String("id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("side", o.Side.String()),
		slog.String("price", quant.FormatPrice(price)),
		slog.String("qty", quant.FormatQty(qty)))
	return nil
}
