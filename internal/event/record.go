package event

import (
	"encoding/json"
	"fmt"

	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

// Record is the wire form of an event on the journal and the Kafka topic.
type Record struct {
	Type    string          `json:"type"`
	Engine  string          `json:"engine"`
	Seq     uint64          `json:"seq"`
	Ts      quant.TimeStamp `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// ParseType maps a type name back to its Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// Encode wraps ev in a Record and marshals it.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.GetType(), err)
	}
	return json.Marshal(Record{
		Type:    ev.GetType().String(),
		Engine:  ev.GetEngine(),
		Seq:     ev.GetSeq(),
		Ts:      ev.GetTs(),
		Payload: payload,
	})
}

// DecodeRecord is the inverse of Encode.
func DecodeRecord(b []byte) (Event, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	t, err := ParseType(r.Type)
	if err != nil {
		return nil, err
	}
	return Decode(t, r.Payload)
}
