package event

import (
	"encoding/json"
	"fmt"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvStateChanged Type = iota + 1
	EvOrderPlaced
	EvOrderCanceled
	EvFill
	EvRebalance
	EvEngineError
	EvRestored
)

var typeNames = map[Type]string{
	EvStateChanged:  "state_changed",
	EvOrderPlaced:   "order_placed",
	EvOrderCanceled: "order_canceled",
	EvFill:          "fill",
	EvRebalance:     "rebalance",
	EvEngineError:   "engine_error",
	EvRestored:      "restored",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint16(t))
}

// Event is the interface for all engine events.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetEngine() string
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq    uint64          `json:"seq"`
	Ts     quant.TimeStamp `json:"ts"`
	Engine string          `json:"engine"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }
func (e BaseEvent) GetEngine() string      { return e.Engine }

// StateChangedEvent records a lifecycle transition.
type StateChangedEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (e StateChangedEvent) GetType() Type { return EvStateChanged }

// OrderPlacedEvent is emitted once the venue acknowledged an order.
type OrderPlacedEvent struct {
	BaseEvent
	Side    domain.Side       `json:"side"`
	Venue   string            `json:"venue"`
	OrderID string            `json:"order_id"`
	Type    domain.OrderType  `json:"type"`
	Price   quant.PriceMicros `json:"price"`
	Qty     quant.QtySats     `json:"qty"`
	Urgent  bool              `json:"urgent,omitempty"`
}

func (e OrderPlacedEvent) GetType() Type { return EvOrderPlaced }

// OrderCanceledEvent is emitted when a cancel request was accepted.
type OrderCanceledEvent struct {
	BaseEvent
	Side      domain.Side        `json:"side"`
	OrderID   string             `json:"order_id"`
	Status    domain.OrderStatus `json:"status"`
	FilledQty quant.QtySats      `json:"filled_qty"`
}

func (e OrderCanceledEvent) GetType() Type { return EvOrderCanceled }

// FillEvent carries newly booked quantity and the ledger after booking it.
type FillEvent struct {
	BaseEvent
	Side        domain.Side       `json:"side"`
	OrderID     string            `json:"order_id"`
	Price       quant.PriceMicros `json:"price"`
	Qty         quant.QtySats     `json:"qty"`
	FilledTotal quant.QtySats     `json:"filled_total"`
	AvgPrice    quant.PriceMicros `json:"avg_price"`
}

func (e FillEvent) GetType() Type { return EvFill }

// RebalanceEvent marks an urgent catch-up order for a lagging leg.
type RebalanceEvent struct {
	BaseEvent
	Side domain.Side   `json:"side"`
	Gap  quant.QtySats `json:"gap"`
	Qty  quant.QtySats `json:"qty"`
}

func (e RebalanceEvent) GetType() Type { return EvRebalance }

// EngineErrorEvent is emitted when an engine enters the error state.
type EngineErrorEvent struct {
	BaseEvent
	State string `json:"state"`
	Error string `json:"error"`
}

func (e EngineErrorEvent) GetType() Type { return EvEngineError }

// RestoredEvent marks an engine restored from a context older than its
// journal. Events numbered after ResumedFrom and before the marker belong
// to the lost run and are not part of the restored history.
type RestoredEvent struct {
	BaseEvent
	ResumedFrom uint64 `json:"resumed_from"`
	Version     uint64 `json:"version"`
}

func (e RestoredEvent) GetType() Type { return EvRestored }

// Supersedes reports whether seq belongs to the run the marker replaced.
func (e RestoredEvent) Supersedes(seq uint64) bool {
	return seq > e.ResumedFrom && seq < e.Seq
}

// Decode rebuilds a journaled event from its type and JSON payload.
func Decode(t Type, payload []byte) (Event, error) {
	var ev Event
	switch t {
	case EvStateChanged:
		ev = &StateChangedEvent{}
	case EvOrderPlaced:
		ev = &OrderPlacedEvent{}
	case EvOrderCanceled:
		ev = &OrderCanceledEvent{}
	case EvFill:
		ev = &FillEvent{}
	case EvRebalance:
		ev = &RebalanceEvent{}
	case EvEngineError:
		ev = &EngineErrorEvent{}
	case EvRestored:
		ev = &RestoredEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}
