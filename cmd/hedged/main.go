package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // For pprof profiling

	"github.com/dasein108/cex-arbitrage-sub009/internal/app"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
)

func main() {
	// 1. Pprof Server, opt-in. Localhost only.
	if addr := os.Getenv("HEDGE_PPROF_ADDR"); addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()
	infra.PrintBanner(os.Stdout, bootstrap.Config)

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Market data streams
	bootstrap.Venues.Start(ctx)

	// 5. Persisted and configured hedges
	if err := bootstrap.Restore(ctx); err != nil {
		slog.Error("❌ Restoring hedges failed", slog.Any("error", err))
		return
	}

	// 6. Operator API
	go func() {
		if err := bootstrap.API.ListenAndServe(bootstrap.Config.API.Addr); err != nil {
			slog.Error("API server failed", slog.Any("error", err))
			stop()
		}
	}()

	slog.InfoContext(ctx, "✨ Hedge executor fully operational. Press Ctrl+C to exit.")

	// 7. Engines run until the signal; open orders stay on the venues.
	if err := bootstrap.Supervisor.Run(ctx); err != nil {
		slog.Error("Supervisor stopped", slog.Any("error", err))
	}

	slog.Info("👋 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bootstrap.API.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", slog.Any("error", err))
	}
}
