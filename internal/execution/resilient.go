package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
	"github.com/dasein108/cex-arbitrage-sub009/pkg/quant"
)

type ResilientConfig struct {
	Limiters infra.VenueLimiters // nil limiters are skipped
	Breaker  *infra.CircuitBreaker
	Backoff  infra.Backoff
	// MaxRetries applies to read-only calls. Placement and cancellation are
	// never repeated blindly: a lost response could mean a duplicate order.
	MaxRetries int
	Logger     *slog.Logger
}

// Resilient wraps a venue with rate limiting, a circuit breaker and bounded
// retries of transient read failures.
type Resilient struct {
	next domain.Exchange
	cfg  ResilientConfig
	log  *slog.Logger
}

func NewResilient(next domain.Exchange, cfg ResilientConfig) *Resilient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = infra.Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second}
	}
	return &Resilient{
		next: next,
		cfg:  cfg,
		log:  cfg.Logger.With(slog.String("venue", next.Name())),
	}
}

func (r *Resilient) Name() string { return r.next.Name() }

// Unwrap returns the decorated venue.
func (r *Resilient) Unwrap() domain.Exchange { return r.next }

func (r *Resilient) TopOfBook(ctx context.Context, symbol string) (book domain.BookTicker, err error) {
	err = r.read(ctx, OpTopOfBook, r.cfg.Limiters.Market, func(ctx context.Context) error {
		book, err = r.next.TopOfBook(ctx, symbol)
		return err
	})
	return book, err
}

func (r *Resilient) Precision(ctx context.Context, symbol string) (info domain.SymbolInfo, err error) {
	err = r.read(ctx, OpPrecision, r.cfg.Limiters.Market, func(ctx context.Context) error {
		info, err = r.next.Precision(ctx, symbol)
		return err
	})
	return info, err
}

func (r *Resilient) FetchOrder(ctx context.Context, symbol, orderID string) (o domain.Order, err error) {
	err = r.read(ctx, OpFetch, r.cfg.Limiters.Order, func(ctx context.Context) error {
		o, err = r.next.FetchOrder(ctx, symbol, orderID)
		return err
	})
	return o, err
}

func (r *Resilient) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, price quant.PriceMicros) (o domain.Order, err error) {
	err = r.once(ctx, r.cfg.Limiters.Order, func(ctx context.Context) error {
		o, err = r.next.PlaceLimitOrder(ctx, symbol, side, qty, price)
		return err
	})
	return o, err
}

func (r *Resilient) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, qty quant.QtySats, refPrice quant.PriceMicros) (o domain.Order, err error) {
	err = r.once(ctx, r.cfg.Limiters.Order, func(ctx context.Context) error {
		o, err = r.next.PlaceMarketOrder(ctx, symbol, side, qty, refPrice)
		return err
	})
	return o, err
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, orderID string) (o domain.Order, err error) {
	err = r.once(ctx, r.cfg.Limiters.Order, func(ctx context.Context) error {
		o, err = r.next.CancelOrder(ctx, symbol, orderID)
		return err
	})
	return o, err
}

func (r *Resilient) read(ctx context.Context, op string, lim *infra.RateLimiter, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := r.once(ctx, lim, fn)
		if err == nil || !domain.IsTransient(err) || errors.Is(err, infra.ErrCircuitOpen) || attempt >= r.cfg.MaxRetries {
			return err
		}
		delay := r.cfg.Backoff.Delay(attempt)
		r.log.Debug("Retrying venue call",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (r *Resilient) once(ctx context.Context, lim *infra.RateLimiter, fn func(context.Context) error) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit: %w", r.Name(), err)
		}
	}
	if r.cfg.Breaker == nil {
		return fn(ctx)
	}
	err := r.cfg.Breaker.Execute(ctx, fn)
	if errors.Is(err, infra.ErrCircuitOpen) {
		return fmt.Errorf("%s: %w: %w", r.Name(), domain.ErrTransient, err)
	}
	return err
}
