package bitget

import (
	"encoding/json"
	"time"
)

const (
	MainnetURL   = "https://api.bitget.com"
	PublicWSURL  = "wss://ws.bitget.com/v2/ws/public"
	successCode  = "00000"
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second

	// A streamed quote older than this is not trusted; TopOfBook goes to REST.
	streamFreshness = 2 * time.Second
)

// envelope wraps every REST response.
type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type restTicker struct {
	Symbol string `json:"symbol"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
	Ts     string `json:"ts"`
}

type spotSymbol struct {
	Symbol            string `json:"symbol"`
	BaseCoin          string `json:"baseCoin"`
	QuoteCoin         string `json:"quoteCoin"`
	MinTradeAmount    string `json:"minTradeAmount"`
	MinTradeUSDT      string `json:"minTradeUSDT"`
	PricePrecision    string `json:"pricePrecision"`
	QuantityPrecision string `json:"quantityPrecision"`
	Status            string `json:"status"`
}

type futuresContract struct {
	Symbol         string `json:"symbol"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	MinTradeNum    string `json:"minTradeNum"`
	MinTradeUSDT   string `json:"minTradeUSDT"`
	PricePlace     string `json:"pricePlace"`
	PriceEndStep   string `json:"priceEndStep"`
	VolumePlace    string `json:"volumePlace"`
	SizeMultiplier string `json:"sizeMultiplier"`
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType,omitempty"`
	MarginMode  string `json:"marginMode,omitempty"`
	MarginCoin  string `json:"marginCoin,omitempty"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Force       string `json:"force,omitempty"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size"`
	ClientOid   string `json:"clientOid"`
}

type cancelOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType,omitempty"`
	MarginCoin  string `json:"marginCoin,omitempty"`
	OrderID     string `json:"orderId"`
}

type orderAck struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// orderDetail covers both spot orderInfo and futures order detail. Spot
// reports the lifecycle in "status", futures in "state".
type orderDetail struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	PriceAvg   string `json:"priceAvg"`
	BaseVolume string `json:"baseVolume"`
	Status     string `json:"status"`
	State      string `json:"state"`
	CTime      string `json:"cTime"`
}

// websocket

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

type tickerResponse struct {
	Action string       `json:"action"`
	Arg    subscribeArg `json:"arg"`
	Data   []tickerData `json:"data"`
	Ts     int64        `json:"ts"`
}

type tickerData struct {
	InstId string `json:"instId"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
	LastPr string `json:"lastPr"`
	Ts     string `json:"ts"`
}
