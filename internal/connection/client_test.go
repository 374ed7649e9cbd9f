package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/athenalab/realtime/internal/model"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	return cfg
}

func TestClient_ConnectDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Disconnect")
	}

	select {
	case <-client.Done():
	default:
		t.Error("expected Done to be closed after Disconnect")
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	msg := model.Message{Type: model.TypeRefresh, SessionID: "s-1"}
	if err := client.Send(msg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for the frame to land.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var parsed model.Message
	if err := json.Unmarshal(received, &parsed); err != nil {
		t.Fatalf("server received undecodable frame: %v", err)
	}
	if parsed.Type != model.TypeRefresh {
		t.Errorf("Type = %s, want %s", parsed.Type, model.TypeRefresh)
	}
	if parsed.SessionID != "s-1" {
		t.Errorf("SessionID = %s, want s-1", parsed.SessionID)
	}
}

func TestClient_SendBuffersWhileDisconnected(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.URL = "ws://localhost:12345"
	cfg.OutboundBufferSize = 2

	client := NewClient(cfg, nil)

	for i := 0; i < 3; i++ {
		err := client.Send(model.Message{Type: model.TypeRefresh, SessionID: string(rune('a' + i))})
		if err != ErrNotConnected {
			t.Errorf("Send %d: expected ErrNotConnected, got %v", i, err)
		}
	}

	pending := client.PendingOutbound()
	if len(pending) != 2 {
		t.Fatalf("PendingOutbound len = %d, want 2 (oldest dropped)", len(pending))
	}
	if pending[0].SessionID != "b" || pending[1].SessionID != "c" {
		t.Errorf("buffer should keep the newest messages, got %s, %s",
			pending[0].SessionID, pending[1].SessionID)
	}
}

func TestClient_DrainsOutboundOnConnect(t *testing.T) {
	var mu sync.Mutex
	var received []model.Message

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg model.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	client.QueueOutbound(
		model.Message{Type: model.TypeInitialize, SessionID: "first"},
		model.Message{Type: model.TypeRefresh, SessionID: "second"},
	)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) < 2 {
		t.Fatalf("received %d messages, want 2", len(received))
	}
	if received[0].SessionID != "first" || received[1].SessionID != "second" {
		t.Errorf("drain order wrong: got %s, %s", received[0].SessionID, received[1].SessionID)
	}
	if len(client.PendingOutbound()) != 0 {
		t.Error("expected the outbound buffer to be empty after drain")
	}
}

func TestClient_Messages(t *testing.T) {
	payloads := []string{
		`{"type":"data_update","data":{"nodeCount":1}}`,
		`{"type":"data_update","data":{"nodeCount":2}}`,
		`{"type":"status","data":{"ok":true}}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	timeout := time.After(2 * time.Second)
	var received []Inbound
	for i := 0; i < len(payloads); i++ {
		select {
		case in := <-client.Messages():
			received = append(received, in)
			if in.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout, received %d of %d", len(received), len(payloads))
		}
	}

	if received[0].Msg.Type != model.TypeDataUpdate {
		t.Errorf("first message type = %s, want %s", received[0].Msg.Type, model.TypeDataUpdate)
	}
	if received[2].Msg.Type != model.TypeStatus {
		t.Errorf("third message type = %s, want %s", received[2].Msg.Type, model.TypeStatus)
	}
}

func TestClient_PongConsumedAndLatencyObserved(t *testing.T) {
	sentAt := time.Now().Add(-20 * time.Millisecond).UnixNano()

	server := mockWSServer(t, func(conn *websocket.Conn) {
		pong, _ := json.Marshal(model.Message{
			Type: model.TypePong,
			Data: json.RawMessage(`{"sentAt":` + strconv.FormatInt(sentAt, 10) + `}`),
		})
		conn.WriteMessage(websocket.TextMessage, pong)

		data, _ := json.Marshal(model.Message{Type: model.TypeDataUpdate, Data: json.RawMessage(`{}`)})
		conn.WriteMessage(websocket.TextMessage, data)

		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	// The pong must not surface on Messages; the data_update arrives first.
	select {
	case in := <-client.Messages():
		if in.Msg.Type == model.TypePong {
			t.Error("pong leaked onto the message channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	h := client.CheckHealth()
	if !h.Healthy {
		t.Error("expected healthy connection")
	}
	if h.Latency <= 0 {
		t.Errorf("Latency = %v, want > 0", h.Latency)
	}
}

func TestClient_MalformedFrameKeepsConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		time.Sleep(20 * time.Millisecond)
		data, _ := json.Marshal(model.Message{Type: model.TypeDataUpdate, Data: json.RawMessage(`{}`)})
		conn.WriteMessage(websocket.TextMessage, data)
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	select {
	case in := <-client.Messages():
		if in.Msg.Type != model.TypeDataUpdate {
			t.Errorf("Type = %s, want %s", in.Msg.Type, model.TypeDataUpdate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection should survive a malformed frame")
	}

	if !client.IsConnected() {
		t.Error("expected client to stay connected")
	}
}

func TestClient_DoubleDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("first Disconnect failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
}

func TestClient_ConnectAfterDisconnect(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestClient_StaleConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Never answer; the client's keep-alive must declare staleness.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 10 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	select {
	case err := <-client.Errors():
		if err != ErrStaleConnection {
			t.Errorf("expected ErrStaleConnection, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stale connection error")
	}
}

func TestClient_BandwidthDelta(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	if err := client.Send(model.Message{Type: model.TypeRefresh}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent, _ := client.BandwidthDelta(time.Second)
	if sent == 0 {
		t.Error("expected non-zero sent bytes after a send")
	}

	sent, received := client.BandwidthDelta(time.Second)
	if sent != 0 || received != 0 {
		t.Errorf("counters should reset, got sent=%d received=%d", sent, received)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", clientCfg.PingInterval)
	}
	if clientCfg.PingTimeout != 90*time.Second {
		t.Errorf("PingTimeout = %v, want 90s", clientCfg.PingTimeout)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.BaseURL != "ws://localhost:8000" {
		t.Errorf("BaseURL = %s, want ws://localhost:8000", mgrCfg.BaseURL)
	}
	if mgrCfg.ReconnectBaseDelay != time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 1s", mgrCfg.ReconnectBaseDelay)
	}
	if mgrCfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", mgrCfg.MaxReconnectAttempts)
	}
}

func TestClient_WriteFailureBuffersAndReportsError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	// A deadline in the past makes every write fail at the transport.
	cfg.WriteTimeout = -time.Second

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect()

	msg := model.NewControl(model.TypeRefresh, "session-1", nil)
	if err := client.Send(msg); err != ErrNotConnected {
		t.Fatalf("Send returned %v, want ErrNotConnected", err)
	}

	pending := client.PendingOutbound()
	if len(pending) != 1 || pending[0].Type != model.TypeRefresh {
		t.Fatalf("pending = %+v, want the failed message buffered", pending)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after a write failure")
	}

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("expected a transport error on Errors")
		}
	case <-time.After(time.Second):
		t.Error("expected the write failure to surface on Errors")
	}
}
