package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/engine"
	"github.com/dasein108/cex-arbitrage-sub009/internal/execution"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

type venues map[string]*execution.PaperExchange

func (v venues) Get(name string) (domain.Exchange, bool) {
	p, ok := v[name]
	return p, ok
}

func (v venues) Health() map[string]string {
	out := map[string]string{}
	for name := range v {
		out[name] = "SIMULATED"
	}
	return out
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	usd := quant.PriceMicros(quant.PriceScale)
	vs := venues{}
	for _, name := range []string{"spot", "perp"} {
		p := execution.NewPaperExchange(name)
		p.SetSymbolInfo(domain.SymbolInfo{
			Symbol: "BTCUSDT", TickSize: usd / 10,
			QtyStep: quant.QtyScale / 1000, MinQty: quant.QtyScale / 1000, MinNotional: 5 * usd,
		})
		p.SetBook("BTCUSDT", 50000*usd, 50000*usd+usd/10)
		vs[name] = p
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := engine.NewSupervisor(vs, nil, hedge.Options{PollInterval: time.Hour, Logger: log})
	ts := httptest.NewServer(NewServer(sup, vs, []string{"http://localhost:3000"}, log).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func view(t *testing.T, b []byte) HedgeView {
	t.Helper()
	var v HedgeView
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

const createBody = `{"id":"h1","symbol":"BTC","total_qty":"1","order_qty":"0.5",
	"buy":{"venue":"spot","symbol":"BTCUSDT","offset_ticks":1,"tick_tolerance":2},
	"sell":{"venue":"perp","symbol":"BTCUSDT","market":true}}`

func TestServer_CreateAndGet(t *testing.T) {
	ts := newTestServer(t)

	status, body := call(t, ts, "POST", "/api/v1/hedges", createBody)
	if status != http.StatusCreated {
		t.Fatalf("create: %d %s", status, body)
	}
	v := view(t, body)
	if v.State != "idle" || v.TotalQty != "1" || v.OrderQty != "0.5" || !v.Sell.Market || v.Buy.OffsetTicks != 1 {
		t.Errorf("view = %+v", v)
	}

	if status, _ := call(t, ts, "POST", "/api/v1/hedges", createBody); status != http.StatusConflict {
		t.Errorf("duplicate: %d", status)
	}

	status, body = call(t, ts, "GET", "/api/v1/hedges", "")
	var list []HedgeView
	json.Unmarshal(body, &list)
	if status != http.StatusOK || len(list) != 1 || list[0].ID != "h1" {
		t.Errorf("list: %d %s", status, body)
	}

	if status, _ := call(t, ts, "GET", "/api/v1/hedges/nope", ""); status != http.StatusNotFound {
		t.Errorf("missing hedge: %d", status)
	}
}

func TestHedgeView_Legs(t *testing.T) {
	c, err := hedge.NewContext(hedge.Params{
		ID: "h1", Symbol: "BTC", TotalQty: 100_000_000, OrderQty: 50_000_000,
		Legs: hedge.PerSide[hedge.LegParams]{
			{Venue: "spot", Symbol: "BTCUSDT", OffsetTicks: 1},
			{Venue: "perp", Symbol: "BTCUSDT", OffsetTicks: hedge.MarketOffset},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Sides[domain.Buy].Ledger = hedge.Ledger{FilledQty: 25_000_000, AvgPrice: 50_000_500_000}
	c.Sides[domain.Sell].Ledger = hedge.Ledger{FilledQty: 20_000_000, AvgPrice: 50_010_000_000}

	v := newHedgeView(c)
	if v.Buy.Notional != "12500.125" || v.Buy.Filled != "0.25" {
		t.Errorf("buy leg = %+v", v.Buy)
	}
	if v.Sell.Notional != "10002" || v.Sell.Imbalance != "0.05" || !v.Sell.Market {
		t.Errorf("sell leg = %+v", v.Sell)
	}
}

func TestServer_CreateValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad quantity", `{"id":"x","total_qty":"1.2.3","order_qty":"1","buy":{"venue":"spot","symbol":"BTCUSDT"},"sell":{"venue":"perp","symbol":"BTCUSDT"}}`},
		{"zero order qty", `{"id":"x","total_qty":"1","order_qty":"0","buy":{"venue":"spot","symbol":"BTCUSDT"},"sell":{"venue":"perp","symbol":"BTCUSDT"}}`},
		{"unknown venue", `{"id":"x","total_qty":"1","order_qty":"1","buy":{"venue":"moon","symbol":"BTCUSDT"},"sell":{"venue":"perp","symbol":"BTCUSDT"}}`},
		{"unknown field", `{"id":"x","leverage":10}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := call(t, ts, "POST", "/api/v1/hedges", tt.body); status != http.StatusBadRequest {
				t.Errorf("status %d: %s", status, body)
			}
		})
	}
}

func TestServer_Commands(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, "POST", "/api/v1/hedges", createBody)

	steps := []struct {
		path   string
		status int
		state  string
	}{
		{"/api/v1/hedges/h1/resume", http.StatusConflict, ""},
		{"/api/v1/hedges/h1/start", http.StatusOK, "syncing"},
		{"/api/v1/hedges/h1/pause", http.StatusOK, "paused"},
		{"/api/v1/hedges/h1/resume", http.StatusOK, "syncing"},
		{"/api/v1/hedges/h1/cancel", http.StatusOK, "cancelled"},
		{"/api/v1/hedges/h1/start", http.StatusConflict, ""},
		{"/api/v1/hedges/h1/explode", http.StatusNotFound, ""},
	}
	for _, s := range steps {
		status, body := call(t, ts, "POST", s.path, "")
		if status != s.status {
			t.Fatalf("%s: status %d, want %d (%s)", s.path, status, s.status, body)
		}
		if s.state != "" && view(t, body).State != s.state {
			t.Fatalf("%s: state %s, want %s", s.path, view(t, body).State, s.state)
		}
	}
}

func TestServer_Update(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, "POST", "/api/v1/hedges", createBody)

	status, body := call(t, ts, "PATCH", "/api/v1/hedges/h1", `{"buy":{"offset_ticks":-4}}`)
	if status != http.StatusBadRequest {
		t.Errorf("crossing offset accepted: %d %s", status, body)
	}

	status, body = call(t, ts, "PATCH", "/api/v1/hedges/h1", `{"order_qty":"0.25","buy":{"offset_ticks":3}}`)
	if status != http.StatusOK {
		t.Fatalf("update: %d %s", status, body)
	}
	v := view(t, body)
	if v.OrderQty != "0.25" || v.Buy.OffsetTicks != 3 || v.State != "idle" {
		t.Errorf("view = %+v", v)
	}
}

func TestServer_Delete(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, "POST", "/api/v1/hedges", createBody)
	call(t, ts, "POST", "/api/v1/hedges/h1/start", "")

	if status, _ := call(t, ts, "DELETE", "/api/v1/hedges/h1", ""); status != http.StatusConflict {
		t.Errorf("active delete: %d", status)
	}
	call(t, ts, "POST", "/api/v1/hedges/h1/cancel", "")
	if status, _ := call(t, ts, "DELETE", "/api/v1/hedges/h1", ""); status != http.StatusNoContent {
		t.Errorf("delete: %d", status)
	}
	if status, _ := call(t, ts, "DELETE", "/api/v1/hedges/h1", ""); status != http.StatusNotFound {
		t.Errorf("second delete: %d", status)
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	status, body := call(t, ts, "GET", "/healthz", "")
	var h HealthResponse
	json.Unmarshal(body, &h)
	if status != http.StatusOK || h.Status != "ok" || h.Venues["spot"] != "SIMULATED" {
		t.Errorf("health: %d %s", status, body)
	}
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest("OPTIONS", ts.URL+"/api/v1/hedges", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}
