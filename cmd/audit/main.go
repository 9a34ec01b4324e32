package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/dasein108/cex-arbitrage-sub009/backtest"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/internal/storage"
)

// Rebuilds every stored hedge's ledgers from the event journal and reports
// differences. Exits 2 when any ledger disagrees.
func main() {
	journal := flag.String("journal", "", "JSONL journal (default: the SQLite event table)")
	flag.Parse()

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	dataDir := infra.ModeDir(infra.GetWorkspaceDir(), strings.ToLower(cfg.Trading.Mode))
	path := infra.ResolveDataPath(dataDir, cfg.Storage.Path)
	if path == "" {
		path = storage.DefaultPath(cfg.Storage.Backend, dataDir)
	}
	store, err := storage.Open(cfg.Storage.Backend, path)
	if err != nil {
		slog.Error("❌ Failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var src backtest.EventSource
	switch {
	case *journal != "":
		src = event.JournalFile(*journal)
	default:
		sq, ok := store.(*storage.SQLiteStore)
		if !ok {
			slog.Error("❌ No event journal: pass -journal for non-sqlite stores")
			os.Exit(1)
		}
		src = sq
	}

	ctx := context.Background()
	contexts, err := store.ListContexts(ctx)
	if err != nil {
		slog.Error("❌ Failed to list hedges", "error", err)
		os.Exit(1)
	}

	r := backtest.NewReplayer(src, logger)
	bad := 0
	for _, c := range contexts {
		res, mm, err := r.Verify(ctx, c)
		if err != nil {
			slog.Error("Replay failed", "hedge", c.ID, "error", err)
			bad++
			continue
		}
		if len(mm) > 0 {
			bad++
		}
		slog.Info("Audited",
			"hedge", c.ID,
			"state", c.State,
			"fills", res.Fills,
			"last_seq", res.LastSeq,
			"gaps", len(res.Gaps),
			"superseded", res.Superseded,
			"mismatches", len(mm))
	}
	if bad > 0 {
		os.Exit(2)
	}
	slog.Info("✅ All ledgers match their journal", "hedges", len(contexts))
}
