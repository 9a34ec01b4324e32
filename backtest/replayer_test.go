package backtest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

type sliceSource []event.Event

func (s sliceSource) LoadEvents(ctx context.Context, engine string, fromSeq uint64) ([]event.Event, error) {
	var out []event.Event
	for _, ev := range s {
		if ev.GetEngine() == engine && ev.GetSeq() >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func fill(seq uint64, side domain.Side, price quant.PriceMicros, qty, total quant.QtySats) *event.FillEvent {
	return &event.FillEvent{
		BaseEvent:   event.BaseEvent{Seq: seq, Engine: "h1"},
		Side:        side,
		OrderID:     "o",
		Price:       price,
		Qty:         qty,
		FilledTotal: total,
	}
}

func history() []event.Event {
	return []event.Event{
		&event.StateChangedEvent{BaseEvent: event.BaseEvent{Seq: 1, Engine: "h1"}, From: "idle", To: "syncing"},
		fill(3, domain.Sell, 50_010_000_000, 1_000_000, 1_000_000),
		fill(2, domain.Buy, 50_000_000_000, 500_000, 500_000),
		fill(4, domain.Buy, 50_001_000_000, 500_000, 1_000_000),
		fill(4, domain.Buy, 50_001_000_000, 500_000, 1_000_000),
		&event.StateChangedEvent{BaseEvent: event.BaseEvent{Seq: 7, Engine: "h1"}, From: "syncing", To: "completed"},
		fill(5, domain.Buy, 1, 1, 1),
		&event.StateChangedEvent{BaseEvent: event.BaseEvent{Seq: 1, Engine: "other"}, To: "paused"},
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReplay(t *testing.T) {
	r := NewReplayer(sliceSource(history()), quiet())

	t.Run("up to seq", func(t *testing.T) {
		res, err := r.Replay(context.Background(), "h1", 4)
		if err != nil {
			t.Fatal(err)
		}
		if res.Fills != 3 || res.LastSeq != 4 || len(res.Gaps) != 0 {
			t.Fatalf("res = %+v", res)
		}
		buy := res.Ledgers[domain.Buy]
		if buy.FilledQty != 1_000_000 || buy.AvgPrice != 50_000_500_000 {
			t.Errorf("buy ledger = %+v", buy)
		}
		if res.Ledgers[domain.Sell].FilledQty != 1_000_000 {
			t.Errorf("sell ledger = %+v", res.Ledgers[domain.Sell])
		}
		if res.State != hedge.StateSyncing {
			t.Errorf("state = %s", res.State)
		}
	})

	t.Run("everything", func(t *testing.T) {
		res, err := r.Replay(context.Background(), "h1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.LastSeq != 7 || res.State != hedge.StateCompleted {
			t.Fatalf("res = %+v", res)
		}
		if len(res.Gaps) != 1 || res.Gaps[0] != 6 {
			t.Errorf("gaps = %v, want [6]", res.Gaps)
		}
	})
}

func TestVerify(t *testing.T) {
	r := NewReplayer(sliceSource(history()), quiet())
	c := hedge.Context{ID: "h1", EventSeq: 4}
	c.Sides[domain.Buy].Ledger = hedge.Ledger{FilledQty: 1_000_000, AvgPrice: 50_000_500_000}
	c.Sides[domain.Sell].Ledger = hedge.Ledger{FilledQty: 1_000_000, AvgPrice: 50_010_000_000}

	if _, mm, err := r.Verify(context.Background(), c); err != nil || len(mm) != 0 {
		t.Fatalf("mismatches = %v err=%v", mm, err)
	}

	c.Sides[domain.Sell].Ledger.FilledQty = 900_000
	_, mm, err := r.Verify(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(mm) != 1 || mm[0].Side != domain.Sell || mm[0].Field != "filled_qty" {
		t.Errorf("mismatches = %v", mm)
	}
}

func TestVerify_SkipsLostRun(t *testing.T) {
	// The context was last saved at seq 2; seqs 3-4 were journaled by a run
	// whose state was lost, and the restored engine went on from 5.
	src := sliceSource{
		fill(1, domain.Buy, 100_000_000, 20_000_000, 20_000_000),
		fill(2, domain.Sell, 101_000_000, 20_000_000, 20_000_000),
		fill(3, domain.Buy, 100_000_000, 30_000_000, 50_000_000),
		fill(4, domain.Sell, 101_000_000, 30_000_000, 50_000_000),
		&event.RestoredEvent{BaseEvent: event.BaseEvent{Seq: 5, Engine: "h1"}, ResumedFrom: 2, Version: 9},
		fill(6, domain.Buy, 100_000_000, 30_000_000, 50_000_000),
	}
	c := hedge.Context{ID: "h1", EventSeq: 6}
	c.Sides[domain.Buy].Ledger = hedge.Ledger{FilledQty: 50_000_000, AvgPrice: 100_000_000}
	c.Sides[domain.Sell].Ledger = hedge.Ledger{FilledQty: 20_000_000, AvgPrice: 101_000_000}

	res, mm, err := NewReplayer(src, quiet()).Verify(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(mm) != 0 {
		t.Fatalf("mismatches = %v", mm)
	}
	if res.Superseded != 2 || res.Fills != 3 || len(res.Gaps) != 0 {
		t.Errorf("res = %+v", res)
	}

	// Replaying only up to the old save ignores the marker.
	res, err = NewReplayer(src, quiet()).Replay(context.Background(), "h1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if res.Superseded != 0 || res.Ledgers[domain.Buy].FilledQty != 50_000_000 {
		t.Errorf("res up to 4 = %+v", res)
	}
}

func TestReplay_JournalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	pub, err := event.NewJSONLPublisher(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range history() {
		if err := pub.Publish(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	pub.Close()

	res, err := NewReplayer(event.JournalFile(path), quiet()).Replay(context.Background(), "h1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ledgers[domain.Buy].FilledQty != 1_000_000 || res.Fills != 3 {
		t.Errorf("res = %+v", res)
	}
}
