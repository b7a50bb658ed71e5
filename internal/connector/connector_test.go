// internal/connector/connector_test.go
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/pkg/backoff"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

var upgrader = websocket.Upgrader{}

// wsServer runs handler for every inbound WebSocket connection and returns
// the ws:// URL.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func baseConfig(url string) Config {
	return Config{
		URL:     url,
		Symbols: []string{"btcusdt"},
		Streams: []string{"bestBidAsk"},
		Backoff: backoff.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	}
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", baseConfig("ws://x"), false},
		{"missing url", Config{Symbols: []string{"btcusdt"}, Streams: []string{"bestBidAsk"}}, true},
		{"missing symbols", Config{URL: "ws://x", Streams: []string{"bestBidAsk"}}, true},
		{"missing streams", Config{URL: "ws://x", Symbols: []string{"btcusdt"}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.cfg.ApplyDefaults()
			err := c.cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, c.wantErr)
			}
		})
	}

	var cfg Config
	cfg.ApplyDefaults()
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout default = %v", cfg.ReadTimeout)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout default = %v", cfg.HandshakeTimeout)
	}
	if cfg.BufferSize != 512 {
		t.Errorf("BufferSize default = %d", cfg.BufferSize)
	}
}

func TestConnector_SubscribeAndStream(t *testing.T) {
	t.Parallel()

	sbeFrame := []byte{0x01, 0x02, 0x03}
	jsonFrame := []byte(`{"u":1,"s":"BTCUSDT","b":"1","B":"1","a":"2","A":"1"}`)

	url := wsServer(t, func(conn *websocket.Conn) {
		// subscription request comes first
		var req struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     uint64   `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req.Method != "SUBSCRIBE" {
			t.Errorf("method = %q, want SUBSCRIBE", req.Method)
		}
		if len(req.Params) != 1 || req.Params[0] != "btcusdt@bestBidAsk" {
			t.Errorf("params = %v", req.Params)
		}

		ack, _ := json.Marshal(map[string]interface{}{"id": req.ID, "result": nil})
		_ = conn.WriteMessage(websocket.TextMessage, ack)
		_ = conn.WriteMessage(websocket.BinaryMessage, sbeFrame)
		_ = conn.WriteMessage(websocket.TextMessage, jsonFrame)

		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(baseConfig(url), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan decoder.RawFrame, 16)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, out) }()

	first := recvFrame(t, out)
	if first.Kind != decoder.FrameBinary || string(first.Data) != string(sbeFrame) {
		t.Fatalf("first frame = kind %d data %v", first.Kind, first.Data)
	}
	second := recvFrame(t, out)
	if second.Kind != decoder.FrameText {
		t.Fatalf("second frame kind = %d, want text", second.Kind)
	}
	if got := c.State(); got != StateStreaming {
		t.Errorf("state = %v, want %v", got, StateStreaming)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if _, ok := <-out; ok {
		t.Error("out not closed after Run returned")
	}
}

func recvFrame(t *testing.T, out <-chan decoder.RawFrame) decoder.RawFrame {
	t.Helper()
	select {
	case f, ok := <-out:
		if !ok {
			t.Fatal("out closed early")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return decoder.RawFrame{}
}

func TestConnector_PingRepliedWithSamePayload(t *testing.T) {
	t.Parallel()

	gotPong := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil { // subscribe
			return
		}
		conn.SetPongHandler(func(appData string) error {
			select {
			case gotPong <- appData:
			default:
			}
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive-77"), time.Now().Add(time.Second)); err != nil {
			return
		}
		// pong handlers only fire inside ReadMessage
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(baseConfig(url), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan decoder.RawFrame, 16)
	go func() { _ = c.Run(ctx, out) }()

	select {
	case payload := <-gotPong:
		if payload != "keepalive-77" {
			t.Fatalf("pong payload = %q, want keepalive-77", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

// Session max age must recycle the connection without consuming the
// back-off schedule.
func TestConnector_PreemptiveReconnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil { // subscribe
			return
		}
		// deliver one frame so the session counts as healthy
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x00})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := baseConfig(url)
	cfg.SessionMaxAge = 150 * time.Millisecond
	// back-off so large that any non-preemptive reconnect would stall the test
	cfg.Backoff = backoff.Config{InitialInterval: time.Hour, MaxInterval: time.Hour}

	c, err := New(cfg, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan decoder.RawFrame, 64)
	go func() { _ = c.Run(ctx, out) }()
	go func() {
		for range out {
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want >= 3 after preemptive recycling", conns.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnector_RetryCeilingFatal(t *testing.T) {
	t.Parallel()

	// grab a port that nothing listens on
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := baseConfig(url)
	cfg.Backoff.MaxRetries = 2

	c, err := New(cfg, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan decoder.RawFrame, 1)
	err = c.Run(context.Background(), out)
	if err == nil {
		t.Fatal("Run returned nil, want retry-ceiling error")
	}
	var exhausted *backoff.ErrRetriesExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run returned %v, want ErrRetriesExhausted", err)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", exhausted.Attempts)
	}
}

// A dropped connection reconnects and resubscribes from scratch.
func TestConnector_ReconnectAfterServerClose(t *testing.T) {
	t.Parallel()

	var subs atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil { // subscribe
			return
		}
		n := subs.Add(1)
		if n == 1 {
			return // drop the first connection right after subscribing
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0xAA})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(baseConfig(url), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan decoder.RawFrame, 16)
	go func() { _ = c.Run(ctx, out) }()

	frame := recvFrame(t, out)
	if frame.Kind != decoder.FrameBinary || frame.Data[0] != 0xAA {
		t.Fatalf("unexpected frame after reconnect: %+v", frame)
	}
	if subs.Load() < 2 {
		t.Errorf("subscriptions = %d, want >= 2", subs.Load())
	}
}
