package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler is the venue-specific half of a stream: where to dial,
// what to send after connecting, and how to read frames.
type WebSocketHandler interface {
	ID() string
	GetURL() string
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	// OnDisconnect runs every time the connection drops, before reconnecting.
	OnDisconnect()
}

// BaseWSWorker keeps one websocket connection alive: reconnection with
// backoff, read deadlines, keepalive pings and serialized writes.
type BaseWSWorker struct {
	handler   WebSocketHandler
	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool

	ReadTimeout  time.Duration
	PingInterval time.Duration
	Backoff      Backoff
	Logger       *slog.Logger
}

// NewBaseWSWorker creates a worker for handler. Tune the exported fields
// before Start.
func NewBaseWSWorker(handler WebSocketHandler) *BaseWSWorker {
	return &BaseWSWorker{
		handler:      handler,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		Backoff:      DefaultBackoff,
		Logger:       slog.Default(),
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for its goroutines.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Connected reports whether a connection is currently up.
func (w *BaseWSWorker) Connected() bool {
	return w.connected.Load()
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("WS worker panic recovered", slog.String("id", w.handler.ID()), slog.Any("panic", r))
		}
	}()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := w.Backoff.Delay(retry)
			w.Logger.Warn("WS Connection failed",
				slog.String("id", w.handler.ID()),
				slog.Any("error", err),
				slog.Int("retry", retry),
				slog.Duration("delay", delay))
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.process(ctx)
		w.handler.OnDisconnect()
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", GetUserAgent())

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}
	w.connected.Store(true)

	if w.PingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
	}

	w.Logger.Info("WS Connected", slog.String("id", w.handler.ID()))
	return nil
}

func (w *BaseWSWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.Logger.Warn("WS Read error", slog.String("id", w.handler.ID()), slog.Any("error", err))
			}
			w.close()
			return
		}

		w.handler.OnMessage(ctx, msg)
	}
}

// pingLoop lives as long as conn does.
func (w *BaseWSWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.handler.OnPing(ctx, conn); err != nil {
				w.Logger.Warn("WS Ping error", slog.String("id", w.handler.ID()), slog.Any("error", err))
				w.close()
				return
			}
		}
	}
}

// Write sends one frame. Safe for concurrent use.
func (w *BaseWSWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected.Store(false)
}
