package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// MockRoundTripper allows us to mock HTTP responses
type MockRoundTripper struct {
	Func func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Func(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func ok(data string) *http.Response {
	return jsonResponse(200, `{"code":"00000","msg":"success","requestTime":1,"data":`+data+`}`)
}

func newTestClient(market Market, fn func(req *http.Request) (*http.Response, error)) *Client {
	return NewClient(Options{
		Market: market,
		Credentials: infra.Credentials{
			AccessKey:  "test_access",
			SecretKey:  "test_secret",
			Passphrase: "test_pass",
		},
		Demo:       true,
		HTTPClient: &http.Client{Transport: &MockRoundTripper{Func: fn}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestClient_TopOfBookSpot(t *testing.T) {
	client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v2/spot/market/tickers" || req.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", req.URL)
		}
		if req.Header.Get("ACCESS-SIGN") != "" {
			t.Error("public endpoint should not be signed")
		}
		return ok(`[{"symbol":"BTCUSDT","bidPr":"50000.1","askPr":"50000.2","ts":"1704067200000"}]`), nil
	})

	book, err := client.TopOfBook(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if book.Bid != 50_000_100_000 || book.Ask != 50_000_200_000 {
		t.Errorf("book = %+v", book)
	}
	if book.TsUnixM != 1704067200000*1000 {
		t.Errorf("ts = %d", book.TsUnixM)
	}
}

func TestClient_TopOfBookEmptySide(t *testing.T) {
	client := newTestClient(Futures, func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("productType") != "USDT-FUTURES" {
			t.Errorf("missing productType: %s", req.URL)
		}
		return ok(`[{"symbol":"BTCUSDT","bidPr":"","askPr":"50000.2"}]`), nil
	})
	if _, err := client.TopOfBook(context.Background(), "BTCUSDT"); !errors.Is(err, domain.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
}

func TestClient_PrecisionSpotCached(t *testing.T) {
	var calls int32
	client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		if req.URL.Path != "/api/v2/spot/public/symbols" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		return ok(`[{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","minTradeAmount":"0","minTradeUSDT":"1",
			"pricePrecision":"2","quantityPrecision":"6","status":"online"}]`), nil
	})

	for i := 0; i < 2; i++ {
		info, err := client.Precision(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatal(err)
		}
		if info.TickSize != 10_000 || info.QtyStep != 100 || info.MinNotional != quant.PriceScale || info.Base != "BTC" {
			t.Errorf("info = %+v", info)
		}
	}
	if calls != 1 {
		t.Errorf("symbol rules fetched %d times, want 1", calls)
	}
}

func TestClient_PrecisionFutures(t *testing.T) {
	client := newTestClient(Futures, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v2/mix/market/contracts" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		return ok(`[{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","minTradeNum":"0.001","minTradeUSDT":"5",
			"pricePlace":"1","priceEndStep":"1","volumePlace":"3","sizeMultiplier":"0.001"}]`), nil
	})
	info, err := client.Precision(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if info.TickSize != 100_000 || info.QtyStep != 100_000 || info.MinQty != 100_000 || info.MinNotional != 5*quant.PriceScale {
		t.Errorf("info = %+v", info)
	}
}

func TestClient_PlaceLimitOrderFutures(t *testing.T) {
	client := newTestClient(Futures, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v2/mix/order/place-order" || req.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", req.Method, req.URL.Path)
		}
		if req.Header.Get("ACCESS-KEY") != "test_access" || req.Header.Get("ACCESS-SIGN") == "" {
			t.Error("request not signed")
		}
		if req.Header.Get("paptrading") != "1" {
			t.Error("demo header missing")
		}
		var body placeOrderRequest
		json.NewDecoder(req.Body).Decode(&body)
		want := placeOrderRequest{
			Symbol: "BTCUSDT", ProductType: "USDT-FUTURES", MarginMode: "crossed", MarginCoin: "USDT",
			Side: "buy", OrderType: "limit", Force: "gtc", Price: "49999.9", Size: "0.5", ClientOid: body.ClientOid,
		}
		if body != want || body.ClientOid == "" {
			t.Errorf("body = %+v", body)
		}
		return ok(`{"orderId":"1001","clientOid":"` + body.ClientOid + `"}`), nil
	})

	o, err := client.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.Buy, 50_000_000, 49_999_900_000)
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	if o.ID != "1001" || o.Status != domain.StatusNew || o.Qty != 50_000_000 || o.ClientID == "" {
		t.Errorf("order = %+v", o)
	}
}

func TestClient_PlaceMarketBuySpotSizedInQuote(t *testing.T) {
	client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/v2/spot/trade/place-order":
			var body placeOrderRequest
			json.NewDecoder(req.Body).Decode(&body)
			if body.Size != "5000.1" || body.OrderType != "market" || body.Price != "" {
				t.Errorf("body = %+v", body)
			}
			return ok(`{"orderId":"77","clientOid":"c"}`), nil
		case "/api/v2/spot/trade/orderInfo":
			return ok(`[{"orderId":"77","clientOid":"c","symbol":"BTCUSDT","side":"buy","orderType":"market",
				"price":"","size":"5000.1","priceAvg":"50001","baseVolume":"0.1","status":"filled","cTime":"1704067200000"}]`), nil
		}
		t.Errorf("unexpected path %s", req.URL.Path)
		return jsonResponse(404, ""), nil
	})

	o, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.Buy, 10_000_000, 50_001_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.StatusFilled || o.FilledQty != 10_000_000 || o.Qty != 10_000_000 || o.AvgFillPrice != 50_001_000_000 {
		t.Errorf("order = %+v", o)
	}
}

func TestClient_PlacementRecoveredByClientOid(t *testing.T) {
	var placed string
	client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/v2/spot/trade/place-order":
			var body placeOrderRequest
			json.NewDecoder(req.Body).Decode(&body)
			placed = body.ClientOid
			return nil, errors.New("connection reset by peer")
		case "/api/v2/spot/trade/orderInfo":
			if got := req.URL.Query().Get("clientOid"); got != placed {
				t.Errorf("lookup by %q, placed %q", got, placed)
			}
			return ok(`[{"orderId":"9","clientOid":"` + placed + `","side":"sell","orderType":"limit",
				"price":"50010.2","size":"0.5","priceAvg":"0","baseVolume":"0","status":"live"}]`), nil
		}
		return jsonResponse(404, ""), nil
	})

	o, err := client.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.Sell, 50_000_000, 50_010_200_000)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if o.ID != "9" || o.Side != domain.Sell || !o.IsOpen() {
		t.Errorf("order = %+v", o)
	}
}

func TestClient_FetchOrderStatus(t *testing.T) {
	tests := []struct {
		market Market
		field  string
		value  string
		want   domain.OrderStatus
	}{
		{Spot, "status", "live", domain.StatusNew},
		{Spot, "status", "partially_filled", domain.StatusPartiallyFilled},
		{Spot, "status", "cancelled", domain.StatusCanceled},
		{Futures, "state", "filled", domain.StatusFilled},
		{Futures, "state", "canceled", domain.StatusCanceled},
		{Futures, "state", "something_new", domain.StatusNew},
	}
	for _, tt := range tests {
		t.Run(tt.market.String()+"/"+tt.value, func(t *testing.T) {
			detail := `{"orderId":"5","side":"sell","orderType":"limit","price":"1.5","size":"2","priceAvg":"1.5","baseVolume":"1","` +
				tt.field + `":"` + tt.value + `"}`
			if tt.market == Spot {
				detail = "[" + detail + "]"
			}
			client := newTestClient(tt.market, func(req *http.Request) (*http.Response, error) {
				return ok(detail), nil
			})
			o, err := client.FetchOrder(context.Background(), "XUSDT", "5")
			if err != nil {
				t.Fatal(err)
			}
			if o.Status != tt.want || o.FilledQty != quant.QtyScale || o.Price != 1_500_000 {
				t.Errorf("order = %+v", o)
			}
		})
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		resp   *http.Response
		target error
	}{
		{"order not found", jsonResponse(400, `{"code":"43001","msg":"order does not exist"}`), domain.ErrOrderNotFound},
		{"insufficient", jsonResponse(400, `{"code":"43012","msg":"Insufficient balance"}`), domain.ErrInsufficientBalance},
		{"price band", jsonResponse(400, `{"code":"43008","msg":"price out of range"}`), domain.ErrRejected},
		{"rate limited", jsonResponse(429, `{"code":"429","msg":"Too Many Requests"}`), domain.ErrTransient},
		{"gateway", jsonResponse(502, `<html>bad gateway</html>`), domain.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) { return tt.resp, nil })
			_, err := client.FetchOrder(context.Background(), "BTCUSDT", "1")
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}

	t.Run("auth error is fatal", func(t *testing.T) {
		client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
			return jsonResponse(400, `{"code":"40009","msg":"sign signature error"}`), nil
		})
		_, err := client.FetchOrder(context.Background(), "BTCUSDT", "1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || domain.IsTransient(err) || errors.Is(err, domain.ErrRejected) {
			t.Fatalf("unexpected classification: %v", err)
		}
	})
}

func TestClient_SignedCallNeedsCredentials(t *testing.T) {
	client := NewClient(Options{
		HTTPClient: &http.Client{Transport: &MockRoundTripper{Func: func(*http.Request) (*http.Response, error) {
			t.Error("request should not be sent")
			return nil, nil
		}}},
	})
	if _, err := client.FetchOrder(context.Background(), "BTCUSDT", "1"); err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestClient_TopOfBookPrefersFreshStream(t *testing.T) {
	var restCalls int32
	client := newTestClient(Spot, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&restCalls, 1)
		return ok(`[{"symbol":"BTCUSDT","bidPr":"1","askPr":"2"}]`), nil
	})
	now := time.Unix(1_700_000_000, 0)
	w := NewTickerWorker("", "SPOT", client.log)
	w.now = func() time.Time { return now }
	client.AttachStream(w)

	// Nothing streamed yet: REST, and the symbol gets watched
	if _, err := client.TopOfBook(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	w.OnMessage(context.Background(), []byte(`{"action":"snapshot","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},
		"data":[{"instId":"BTCUSDT","bidPr":"50000","askPr":"50000.1","ts":"1700000000000"}]}`))

	book, err := client.TopOfBook(context.Background(), "BTCUSDT")
	if err != nil || book.Bid != 50_000*quant.PriceScale {
		t.Fatalf("expected streamed book, got %+v %v", book, err)
	}
	if restCalls != 1 {
		t.Errorf("REST called %d times", restCalls)
	}

	now = now.Add(3 * time.Second)
	if _, err := client.TopOfBook(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if restCalls != 2 {
		t.Error("stale stream quote should fall back to REST")
	}
}
