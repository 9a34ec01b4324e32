package infra

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockHandler implements WebSocketHandler for testing
type mockHandler struct {
	url             string
	onConnectCalls  int32
	disconnectCalls int32

	mu       sync.Mutex
	messages [][]byte
}

func (m *mockHandler) GetURL() string { return m.url }
func (m *mockHandler) ID() string     { return "MOCK" }
func (m *mockHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	atomic.AddInt32(&m.onConnectCalls, 1)
	return nil
}
func (m *mockHandler) OnMessage(ctx context.Context, msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}
func (m *mockHandler) OnPing(ctx context.Context, conn *websocket.Conn) error { return nil }
func (m *mockHandler) OnDisconnect()                                          { atomic.AddInt32(&m.disconnectCalls, 1) }

func (m *mockHandler) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func createMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func quietWorker(h WebSocketHandler) *BaseWSWorker {
	w := NewBaseWSWorker(h)
	w.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	w.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	return w
}

func TestBaseWSWorker_Connect(t *testing.T) {
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"test"}`))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := quietWorker(handler)
	worker.ReadTimeout = 500 * time.Millisecond

	worker.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	if !worker.Connected() {
		t.Error("worker should report a live connection")
	}
	time.Sleep(150 * time.Millisecond)
	worker.Stop()

	if atomic.LoadInt32(&handler.onConnectCalls) == 0 {
		t.Error("OnConnect was not called")
	}
	if handler.messageCount() == 0 {
		t.Error("OnMessage was not called")
	}
	if worker.Connected() {
		t.Error("stopped worker still reports connected")
	}
}

func TestBaseWSWorker_ReconnectsAfterDrop(t *testing.T) {
	var accepted int32
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		// Drop the first connection right away, keep later ones open briefly
		if atomic.AddInt32(&accepted, 1) == 1 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := quietWorker(handler)
	worker.Start(context.Background())
	defer worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&handler.onConnectCalls) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&handler.onConnectCalls); got < 2 {
		t.Fatalf("expected a reconnect, OnConnect called %d times", got)
	}
	if atomic.LoadInt32(&handler.disconnectCalls) == 0 {
		t.Error("OnDisconnect not called for the dropped connection")
	}
}

func TestBaseWSWorker_GracefulShutdown(t *testing.T) {
	serverClosed := make(chan struct{})
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		<-serverClosed
	})
	defer server.Close()
	defer close(serverClosed)

	worker := quietWorker(&mockHandler{url: httpToWS(server.URL)})
	worker.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Stop did not return within timeout")
	}
}

func TestBaseWSWorker_Write(t *testing.T) {
	receivedMsg := make(chan []byte, 1)
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			receivedMsg <- msg
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	worker := quietWorker(&mockHandler{url: httpToWS(server.URL)})
	worker.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	testMsg := []byte(`{"op":"subscribe"}`)
	if err := worker.Write(websocket.TextMessage, testMsg); err != nil {
		t.Errorf("Write failed: %v", err)
	}

	select {
	case msg := <-receivedMsg:
		if string(msg) != string(testMsg) {
			t.Errorf("expected %s, got %s", testMsg, msg)
		}
	case <-time.After(1 * time.Second):
		t.Error("server did not receive message")
	}
	worker.Stop()
}

func TestBaseWSWorker_WriteWithoutConnection(t *testing.T) {
	worker := quietWorker(&mockHandler{url: "ws://127.0.0.1:1"})
	if err := worker.Write(websocket.TextMessage, []byte("ping")); err == nil {
		t.Error("expected error writing without a connection")
	}
}
