package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Market selects the Bitget product line a client trades.
type Market int

const (
	Spot Market = iota
	Futures
)

func (m Market) String() string {
	if m == Futures {
		return "futures"
	}
	return "spot"
}

type Options struct {
	Name        string
	Market      Market
	BaseURL     string
	Credentials infra.Credentials
	// Demo routes orders to Bitget demo trading (paptrading header).
	Demo bool
	// Futures only.
	ProductType string
	MarginCoin  string
	MarginMode  string

	HTTPClient *http.Client
	Logger     *slog.Logger
	// InfoTTL bounds how long symbol rules are cached.
	InfoTTL time.Duration
	Now     func() time.Time
}

type cachedInfo struct {
	info domain.SymbolInfo
	at   time.Time
}

// Client implements domain.Exchange on the Bitget V2 REST API.
type Client struct {
	name        string
	market      Market
	baseURL     string
	demo        bool
	productType string
	marginCoin  string
	marginMode  string

	signer     *Signer
	httpClient *http.Client
	log        *slog.Logger
	stream     *TickerWorker
	now        func() time.Time
	infoTTL    time.Duration

	mu    sync.Mutex
	infos map[string]cachedInfo
}

// NewClient creates a Bitget REST client. Without credentials only the
// public market endpoints work.
func NewClient(opts Options) *Client {
	c := &Client{
		name:        opts.Name,
		market:      opts.Market,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		demo:        opts.Demo,
		productType: opts.ProductType,
		marginCoin:  opts.MarginCoin,
		marginMode:  opts.MarginMode,
		httpClient:  opts.HTTPClient,
		log:         opts.Logger,
		now:         opts.Now,
		infoTTL:     opts.InfoTTL,
		infos:       make(map[string]cachedInfo),
	}
	if c.name == "" {
		c.name = "bitget-" + opts.Market.String()
	}
	if c.baseURL == "" {
		c.baseURL = MainnetURL
	}
	if c.productType == "" {
		c.productType = "USDT-FUTURES"
	}
	if c.marginCoin == "" {
		c.marginCoin = "USDT"
	}
	if c.marginMode == "" {
		c.marginMode = "crossed"
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With(slog.String("venue", c.name))
	if c.now == nil {
		c.now = time.Now
	}
	if c.infoTTL <= 0 {
		c.infoTTL = 10 * time.Minute
	}
	if !opts.Credentials.Empty() {
		cr := opts.Credentials
		c.signer = NewSigner(cr.AccessKey, cr.SecretKey, cr.Passphrase)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// InstType is the websocket instType of the client's market.
func (c *Client) InstType() string {
	if c.market == Futures {
		return c.productType
	}
	return "SPOT"
}

// AttachStream makes TopOfBook prefer fresh quotes from w.
func (c *Client) AttachStream(w *TickerWorker) {
	c.stream = w
}

// Close wipes the API keys.
func (c *Client) Close() {
	c.signer.Wipe()
}

func (c *Client) TopOfBook(ctx context.Context, symbol string) (domain.BookTicker, error) {
	if c.stream != nil {
		if b, ok := c.stream.Book(symbol); ok {
			return b, nil
		}
		c.stream.Watch(symbol)
	}

	q := url.Values{"symbol": {symbol}}
	path := "/api/v2/spot/market/tickers"
	if c.market == Futures {
		path = "/api/v2/mix/market/ticker"
		q.Set("productType", c.productType)
	}
	var rows []restTicker
	if err := c.do(ctx, http.MethodGet, path, q, nil, false, &rows); err != nil {
		return domain.BookTicker{}, err
	}
	if len(rows) == 0 {
		return domain.BookTicker{}, fmt.Errorf("%s %s: empty ticker: %w", c.name, symbol, domain.ErrNoPrice)
	}
	return parseBook(symbol, rows[0].BidPr, rows[0].AskPr, rows[0].Ts)
}

func parseBook(symbol, bid, ask, tsMillis string) (domain.BookTicker, error) {
	b := domain.BookTicker{Symbol: symbol}
	var err error
	if b.Bid, err = quant.ParsePrice(bid); err != nil {
		return domain.BookTicker{}, fmt.Errorf("bid %q: %w", bid, err)
	}
	if b.Ask, err = quant.ParsePrice(ask); err != nil {
		return domain.BookTicker{}, fmt.Errorf("ask %q: %w", ask, err)
	}
	if tsMillis != "" {
		b.TsUnixM, _ = quant.ParseTimeStamp(tsMillis)
	}
	if !b.Valid() {
		return domain.BookTicker{}, fmt.Errorf("%s bid %s ask %s: %w", symbol, bid, ask, domain.ErrNoPrice)
	}
	return b, nil
}

// Precision returns the symbol's trading rules, cached for InfoTTL.
func (c *Client) Precision(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	c.mu.Lock()
	ci, ok := c.infos[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(ci.at) < c.infoTTL {
		return ci.info, nil
	}

	var (
		info domain.SymbolInfo
		err  error
	)
	if c.market == Futures {
		info, err = c.contractInfo(ctx, symbol)
	} else {
		info, err = c.spotInfo(ctx, symbol)
	}
	if err != nil {
		return domain.SymbolInfo{}, err
	}

	c.mu.Lock()
	c.infos[symbol] = cachedInfo{info: info, at: c.now()}
	c.mu.Unlock()
	return info, nil
}

func (c *Client) spotInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	var rows []spotSymbol
	if err := c.do(ctx, http.MethodGet, "/api/v2/spot/public/symbols", url.Values{"symbol": {symbol}}, nil, false, &rows); err != nil {
		return domain.SymbolInfo{}, err
	}
	for _, s := range rows {
		if s.Symbol != symbol {
			continue
		}
		if s.Status != "" && s.Status != "online" {
			return domain.SymbolInfo{}, fmt.Errorf("%s %s is %s", c.name, symbol, s.Status)
		}
		pp, err := strconv.Atoi(s.PricePrecision)
		if err != nil {
			return domain.SymbolInfo{}, fmt.Errorf("price precision %q: %w", s.PricePrecision, err)
		}
		qp, err := strconv.Atoi(s.QuantityPrecision)
		if err != nil {
			return domain.SymbolInfo{}, fmt.Errorf("quantity precision %q: %w", s.QuantityPrecision, err)
		}
		minQty, err := quant.ParseQty(s.MinTradeAmount)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		minNotional, err := quant.ParsePrice(s.MinTradeUSDT)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		return domain.SymbolInfo{
			Symbol:      symbol,
			Base:        s.BaseCoin,
			Quote:       s.QuoteCoin,
			TickSize:    quant.PriceMicros(unitAt(quant.PriceScale, pp)),
			QtyStep:     quant.QtySats(unitAt(quant.QtyScale, qp)),
			MinQty:      minQty,
			MinNotional: minNotional,
		}, nil
	}
	return domain.SymbolInfo{}, fmt.Errorf("%s: unknown symbol %s", c.name, symbol)
}

func (c *Client) contractInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	q := url.Values{"symbol": {symbol}, "productType": {c.productType}}
	var rows []futuresContract
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/market/contracts", q, nil, false, &rows); err != nil {
		return domain.SymbolInfo{}, err
	}
	for _, s := range rows {
		if s.Symbol != symbol {
			continue
		}
		pp, err := strconv.Atoi(s.PricePlace)
		if err != nil {
			return domain.SymbolInfo{}, fmt.Errorf("price place %q: %w", s.PricePlace, err)
		}
		endStep := int64(1)
		if s.PriceEndStep != "" {
			if endStep, err = strconv.ParseInt(s.PriceEndStep, 10, 64); err != nil {
				return domain.SymbolInfo{}, fmt.Errorf("price end step %q: %w", s.PriceEndStep, err)
			}
		}
		step, err := quant.ParseQty(s.SizeMultiplier)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		if step == 0 {
			vp, _ := strconv.Atoi(s.VolumePlace)
			step = quant.QtySats(unitAt(quant.QtyScale, vp))
		}
		minQty, err := quant.ParseQty(s.MinTradeNum)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		minNotional, err := quant.ParsePrice(s.MinTradeUSDT)
		if err != nil {
			return domain.SymbolInfo{}, err
		}
		return domain.SymbolInfo{
			Symbol:      symbol,
			Base:        s.BaseCoin,
			Quote:       s.QuoteCoin,
			TickSize:    quant.PriceMicros(endStep * unitAt(quant.PriceScale, pp)),
			QtyStep:     step,
			MinQty:      minQty,
			MinNotional: minNotional,
		}, nil
	}
	return domain.SymbolInfo{}, fmt.Errorf("%s: unknown contract %s", c.name, symbol)
}

// unitAt is one unit of the given decimal place expressed at scale, never
// below 1.
func unitAt(scale int64, places int) int64 {
	u := scale
	for i := 0; i < places && u > 1; i++ {
		u /= 10
	}
	return u
}

func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, price quant.PriceMicros) (domain.Order, error) {
	req := c.orderRequest(symbol, side, "limit", quant.FormatQty(qty))
	req.Price = quant.FormatPrice(price)
	req.Force = "gtc"
	o := domain.Order{
		ClientID: req.ClientOid,
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeLimit,
		Price:    price,
		Qty:      qty,
		Status:   domain.StatusNew,
	}
	return c.submit(ctx, req, o)
}

// PlaceMarketOrder sends a market order. Spot market buys are sized in the
// quote coin on Bitget, so refPrice converts qty into a quote amount there.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, refPrice quant.PriceMicros) (domain.Order, error) {
	size := quant.FormatQty(qty)
	if c.market == Spot && side == domain.Buy {
		if refPrice <= 0 {
			return domain.Order{}, fmt.Errorf("%s market buy %s: %w", c.name, symbol, domain.ErrNoPrice)
		}
		size = quant.FormatPrice(quant.Notional(refPrice, qty))
	}
	req := c.orderRequest(symbol, side, "market", size)
	o := domain.Order{
		ClientID: req.ClientOid,
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Price:    refPrice,
		Qty:      qty,
		Status:   domain.StatusNew,
	}
	placed, err := c.submit(ctx, req, o)
	if err != nil {
		return domain.Order{}, err
	}
	// Market orders usually fill before the ack arrives; report the fill now
	// when the venue already has it.
	if got, err := c.FetchOrder(ctx, symbol, placed.ID); err == nil {
		return got, nil
	}
	return placed, nil
}

func (c *Client) orderRequest(symbol string, side domain.Side, kind, size string) placeOrderRequest {
	req := placeOrderRequest{
		Symbol:    symbol,
		Side:      strings.ToLower(side.String()),
		OrderType: kind,
		Size:      size,
		ClientOid: uuid.NewString(),
	}
	if c.market == Futures {
		req.ProductType = c.productType
		req.MarginMode = c.marginMode
		req.MarginCoin = c.marginCoin
	} else if kind == "market" {
		req.Force = "gtc"
	}
	return req
}

func (c *Client) submit(ctx context.Context, req placeOrderRequest, o domain.Order) (domain.Order, error) {
	path := "/api/v2/spot/trade/place-order"
	if c.market == Futures {
		path = "/api/v2/mix/order/place-order"
	}

	var ack orderAck
	err := c.do(ctx, http.MethodPost, path, nil, req, true, &ack)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return domain.Order{}, fmt.Errorf("place %s %s %s: %w", req.OrderType, req.Side, req.Symbol, err)
		}
		// The request may have reached the venue. Look it up by client id
		// before reporting a failure that could leave an untracked order.
		if found, ferr := c.fetch(ctx, req.Symbol, "", req.ClientOid); ferr == nil {
			c.log.Warn("Order placement recovered by client id",
				slog.String("client_oid", req.ClientOid),
				slog.String("order_id", found.ID),
				slog.Any("error", err))
			return found, nil
		}
		return domain.Order{}, fmt.Errorf("place %s %s %s: %w", req.OrderType, req.Side, req.Symbol, err)
	}
	o.ID = ack.OrderID
	o.CreatedUnixM = c.now().UnixMicro()
	return o, nil
}

// CancelOrder requests cancellation, then reads the order back. Bitget
// cancels asynchronously, so the returned order can still be open.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	req := cancelOrderRequest{Symbol: symbol, OrderID: orderID}
	path := "/api/v2/spot/trade/cancel-order"
	if c.market == Futures {
		req.ProductType = c.productType
		req.MarginCoin = c.marginCoin
		path = "/api/v2/mix/order/cancel-order"
	}
	if err := c.do(ctx, http.MethodPost, path, nil, req, true, nil); err != nil {
		return domain.Order{}, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return c.FetchOrder(ctx, symbol, orderID)
}

func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	return c.fetch(ctx, symbol, orderID, "")
}

func (c *Client) fetch(ctx context.Context, symbol, orderID, clientOid string) (domain.Order, error) {
	q := url.Values{}
	if orderID != "" {
		q.Set("orderId", orderID)
	} else {
		q.Set("clientOid", clientOid)
	}

	var d orderDetail
	if c.market == Futures {
		q.Set("symbol", symbol)
		q.Set("productType", c.productType)
		if err := c.do(ctx, http.MethodGet, "/api/v2/mix/order/detail", q, nil, true, &d); err != nil {
			return domain.Order{}, err
		}
	} else {
		var rows []orderDetail
		if err := c.do(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo", q, nil, true, &rows); err != nil {
			return domain.Order{}, err
		}
		if len(rows) == 0 {
			return domain.Order{}, fmt.Errorf("%s order %s%s: %w", c.name, orderID, clientOid, domain.ErrOrderNotFound)
		}
		d = rows[0]
	}
	if d.OrderID == "" {
		return domain.Order{}, fmt.Errorf("%s order %s%s: %w", c.name, orderID, clientOid, domain.ErrOrderNotFound)
	}
	return c.toOrder(symbol, d)
}

func (c *Client) toOrder(symbol string, d orderDetail) (domain.Order, error) {
	side, err := domain.ParseSide(d.Side)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", d.OrderID, err)
	}
	o := domain.Order{
		ID:       d.OrderID,
		ClientID: d.ClientOid,
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeLimit,
	}
	if strings.EqualFold(d.OrderType, "market") {
		o.Type = domain.OrderTypeMarket
	}
	for _, f := range []struct {
		dst *quant.PriceMicros
		src string
	}{{&o.Price, d.Price}, {&o.AvgFillPrice, d.PriceAvg}} {
		if *f.dst, err = quant.ParsePrice(f.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %s price %q: %w", d.OrderID, f.src, err)
		}
	}
	if o.FilledQty, err = quant.ParseQty(d.BaseVolume); err != nil {
		return domain.Order{}, fmt.Errorf("order %s filled %q: %w", d.OrderID, d.BaseVolume, err)
	}
	if o.Qty, err = quant.ParseQty(d.Size); err != nil {
		return domain.Order{}, fmt.Errorf("order %s size %q: %w", d.OrderID, d.Size, err)
	}
	if c.market == Spot && o.Type == domain.OrderTypeMarket && o.Side == domain.Buy {
		// size is a quote amount here
		o.Qty = o.FilledQty
	}
	if ms, err := strconv.ParseInt(d.CTime, 10, 64); err == nil {
		o.CreatedUnixM = ms * 1000
	}

	status := d.State
	if status == "" {
		status = d.Status
	}
	switch status {
	case "init", "new", "live":
		o.Status = domain.StatusNew
	case "partially_filled", "partial_fill":
		o.Status = domain.StatusPartiallyFilled
	case "filled", "full_fill":
		o.Status = domain.StatusFilled
	case "cancelled", "canceled":
		o.Status = domain.StatusCanceled
	default:
		c.log.Warn("Unknown order status, treating as open",
			slog.String("order_id", d.OrderID),
			slog.String("status", status))
		o.Status = domain.StatusNew
	}
	return o, nil
}

// do performs one REST call and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, signed bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	req.Header.Set("User-Agent", infra.GetUserAgent())
	if c.demo {
		req.Header.Set("paptrading", "1")
	}
	if signed {
		if c.signer == nil {
			return fmt.Errorf("%s %s: API credentials required", c.name, path)
		}
		c.signer.Sign(req.Header, method, requestPath, string(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w: %w", path, domain.ErrTransient, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Path: path, Msg: snippet(raw)}
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != successCode {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg, Path: path}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func snippet(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
