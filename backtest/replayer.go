package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
)

// EventSource yields the journaled events of one engine. Both the SQLite
// store and a JSONL journal file implement it.
type EventSource interface {
	LoadEvents(ctx context.Context, engine string, fromSeq uint64) ([]event.Event, error)
}

// Result is the engine history rebuilt from its journal.
type Result struct {
	Engine  string
	Ledgers hedge.PerSide[hedge.Ledger]
	// State is the target of the last state change, empty without one.
	State   hedge.State
	Fills   int
	LastSeq uint64
	// Gaps lists sequence numbers missing from the journal.
	Gaps []uint64
	// Superseded counts events of runs lost to a restore from an older
	// context; they are not applied.
	Superseded int
}

// Replayer rebuilds leg ledgers from fill events.
type Replayer struct {
	src EventSource
	log *slog.Logger
}

func NewReplayer(src EventSource, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{src: src, log: log}
}

// Replay folds every event of engine up to and including upTo; upTo == 0
// replays everything. Events are applied in sequence order, duplicates once.
// Events a RestoredEvent marks as belonging to a lost run are skipped.
func (r *Replayer) Replay(ctx context.Context, engine string, upTo uint64) (Result, error) {
	evs, err := r.src.LoadEvents(ctx, engine, 0)
	if err != nil {
		return Result{}, fmt.Errorf("load events: %w", err)
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].GetSeq() < evs[j].GetSeq() })

	var markers []*event.RestoredEvent
	for _, ev := range evs {
		if m, ok := ev.(*event.RestoredEvent); ok && (upTo == 0 || m.Seq <= upTo) {
			markers = append(markers, m)
		}
	}
	superseded := func(seq uint64) bool {
		for _, m := range markers {
			if m.Supersedes(seq) {
				return true
			}
		}
		return false
	}

	res := Result{Engine: engine}
	var prev uint64
	for _, ev := range evs {
		seq := ev.GetSeq()
		if upTo > 0 && seq > upTo {
			break
		}
		if seq == prev {
			continue
		}
		for missing := prev + 1; missing < seq; missing++ {
			res.Gaps = append(res.Gaps, missing)
		}
		prev = seq
		if superseded(seq) {
			res.Superseded++
			continue
		}

		switch e := ev.(type) {
		case *event.FillEvent:
			res.Ledgers[e.Side] = res.Ledgers[e.Side].Apply(e.Price, e.Qty)
			res.Fills++
			if res.Ledgers[e.Side].FilledQty != e.FilledTotal {
				r.log.Warn("Fill total drift",
					slog.Uint64("seq", seq),
					slog.String("side", e.Side.String()),
					slog.String("replayed", res.Ledgers[e.Side].FilledQty.String()),
					slog.String("recorded", e.FilledTotal.String()))
			}
		case *event.StateChangedEvent:
			res.State = hedge.State(e.To)
		case *event.RestoredEvent:
			r.log.Info("Skipped events of a lost run",
				slog.Uint64("from", e.ResumedFrom+1),
				slog.Uint64("to", seq-1))
		}
	}
	res.LastSeq = prev
	return res, nil
}

// Mismatch is one difference between a stored context and its journal.
type Mismatch struct {
	Side   domain.Side
	Field  string
	Stored string
	Replay string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %s: stored %s, replayed %s", m.Side, m.Field, m.Stored, m.Replay)
}

// Verify replays the journal up to the context's recorded event sequence and
// compares the ledgers. Events journaled after the last persisted version are
// not considered.
func (r *Replayer) Verify(ctx context.Context, c hedge.Context) (Result, []Mismatch, error) {
	if c.EventSeq == 0 {
		return Result{Engine: c.ID}, nil, nil
	}
	res, err := r.Replay(ctx, c.ID, c.EventSeq)
	if err != nil {
		return res, nil, err
	}
	var out []Mismatch
	for _, side := range domain.Sides {
		stored, replayed := c.Sides[side].Ledger, res.Ledgers[side]
		if stored.FilledQty != replayed.FilledQty {
			out = append(out, Mismatch{side, "filled_qty", stored.FilledQty.String(), replayed.FilledQty.String()})
		}
		if stored.FilledQty > 0 && stored.AvgPrice != replayed.AvgPrice {
			out = append(out, Mismatch{side, "avg_price", stored.AvgPrice.String(), replayed.AvgPrice.String()})
		}
	}
	for _, m := range out {
		r.log.Error("LEDGER_MISMATCH", slog.String("engine", c.ID), slog.String("detail", m.String()))
	}
	return res, out, nil
}
