package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dasein108/cex-arbitrage-sub009/internal/api"
	"github.com/dasein108/cex-arbitrage-sub009/internal/engine"
	"github.com/dasein108/cex-arbitrage-sub009/internal/event"
	"github.com/dasein108/cex-arbitrage-sub009/internal/execution"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/internal/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Logger     *slog.Logger
	Venues     *execution.VenueSet
	Store      storage.ContextStore
	Supervisor *engine.Supervisor
	API        *api.Server

	closers []func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and wires every component.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	return b.InitializeWith(cfg, infra.GetWorkspaceDir(), logger)
}

// InitializeWith wires the components for cfg under workDir.
func (b *Bootstrap) InitializeWith(cfg *infra.Config, workDir string, logger *slog.Logger) error {
	b.Config = cfg
	b.Logger = logger
	logger.Info("🚀 Bootstrapping hedge daemon...", slog.String("version", infra.Version))

	// Data Isolation: <workspace>/data/{mode}/
	mode := strings.ToLower(cfg.Trading.Mode)
	dataDir := infra.ModeDir(workDir, mode)
	logDir := filepath.Join(workDir, "logs", mode)
	for _, dir := range []string{dataDir, logDir} {
		if err := infra.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Singleton instance lock per mode: two daemons must never drive the
	// same hedges.
	unlock, err := infra.CreateLockFile(dataDir)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, unlock)

	// 1. Venues
	venues, err := execution.NewExecutionFactory(cfg, logger).CreateVenues()
	if err != nil {
		b.Close()
		return err
	}
	b.Venues = venues
	b.closers = append(b.closers, venues.Close)
	logger.Info("✅ Venues ready", slog.Any("venues", venues.Names()))

	// 2. Context store
	storePath := infra.ResolveDataPath(dataDir, cfg.Storage.Path)
	if storePath == "" {
		storePath = storage.DefaultPath(cfg.Storage.Backend, dataDir)
	}
	store, err := storage.Open(cfg.Storage.Backend, storePath)
	if err != nil {
		b.Close()
		return err
	}
	b.Store = store
	b.closers = append(b.closers, func() { store.Close() })
	logger.Info("✅ Context store initialized", slog.String("backend", cfg.Storage.Backend), slog.String("path", storePath))

	// 3. Event sinks
	publisher, err := b.publishers(dataDir)
	if err != nil {
		b.Close()
		return err
	}

	// 4. Supervisor + API
	dumpDir := infra.ResolveDataPath(workDir, cfg.Engine.DumpDir)
	if dumpDir == "" {
		dumpDir = logDir
	}
	opts := hedge.Options{
		PollInterval:   cfg.Engine.PollInterval(),
		RequestTimeout: cfg.Engine.RequestTimeout(),
		MaxFailures:    cfg.Engine.MaxFailures,
		Logger:         logger,
		DumpDir:        dumpDir,
	}
	if publisher != nil {
		opts.Publisher = publisher
	}
	if journal := b.journal(dataDir); journal != nil {
		opts.Journal = journal
	}
	b.Supervisor = engine.NewSupervisor(venues, store, opts)
	b.API = api.NewServer(b.Supervisor, venues, cfg.API.AllowedOrigins, logger)
	return nil
}

// journal is the sink restored engines read their last sequence number
// from: the SQLite store when it journals, the JSONL file otherwise.
func (b *Bootstrap) journal(dataDir string) hedge.SeqSource {
	if st, ok := b.Store.(*storage.SQLiteStore); ok {
		return st
	}
	if p := b.Config.Journal.Path; p != "" {
		return event.JournalFile(infra.ResolveDataPath(dataDir, p))
	}
	return nil
}

// publishers assembles every configured event sink. The SQLite store
// journals events next to the contexts.
func (b *Bootstrap) publishers(dataDir string) (event.Publisher, error) {
	var sinks event.Multi
	if journal, ok := b.Store.(*storage.SQLiteStore); ok {
		sinks = append(sinks, journal)
	}
	if p := b.Config.Journal.Path; p != "" {
		jl, err := event.NewJSONLPublisher(infra.ResolveDataPath(dataDir, p))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { jl.Close() })
		sinks = append(sinks, jl)
	}
	if brokers := b.Config.Kafka.Brokers; len(brokers) > 0 {
		kp := event.NewKafkaPublisher(brokers, b.Config.Kafka.Topic, b.Logger)
		b.closers = append(b.closers, func() { kp.Close() })
		sinks = append(sinks, kp)
		b.Logger.Info("✅ Kafka publisher enabled", slog.String("topic", b.Config.Kafka.Topic))
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// Restore reattaches persisted hedges, then creates the configured hedges
// that were not restored.
func (b *Bootstrap) Restore(ctx context.Context) error {
	n, err := b.Supervisor.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		b.Logger.Info("✅ Hedges restored", slog.Int("count", n))
	}

	for _, h := range b.Config.Hedges {
		if _, ok := b.Supervisor.Get(h.ID); ok {
			continue
		}
		p, err := hedgeRequest(h).Params()
		if err != nil {
			return fmt.Errorf("hedge %s: %w", h.ID, err)
		}
		if _, err := b.Supervisor.Create(ctx, p, h.AutoStart); err != nil {
			return fmt.Errorf("hedge %s: %w", h.ID, err)
		}
	}
	return nil
}

func hedgeRequest(h infra.HedgeConfig) api.CreateRequest {
	leg := func(l infra.LegConfig) api.LegRequest {
		return api.LegRequest{
			Venue:         l.Venue,
			Symbol:        l.Symbol,
			OffsetTicks:   l.OffsetTicks,
			TickTolerance: l.TickTolerance,
			Market:        l.Market,
		}
	}
	return api.CreateRequest{
		ID:       h.ID,
		Symbol:   h.Symbol,
		TotalQty: h.TotalQty,
		OrderQty: h.OrderQty,
		Start:    h.AutoStart,
		Buy:      leg(h.Buy),
		Sell:     leg(h.Sell),
	}
}

// Close releases everything Initialize acquired, newest first.
func (b *Bootstrap) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
