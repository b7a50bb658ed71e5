// internal/connector/connector.go

// Package connector maintains exactly one logical upstream market-data
// connection and feeds its frames into the decode pipeline. It owns the
// whole lifecycle: dial, auth, subscribe, keepalive, preemptive session
// recycling and backed-off reconnection.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/pkg/backoff"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds upstream connection settings.
type Config struct {
	URL     string   `mapstructure:"url"`
	APIKey  string   `mapstructure:"api_key"`
	Symbols []string `mapstructure:"symbols"` // e.g. ["btcusdt"]
	Streams []string `mapstructure:"streams"` // e.g. ["bestBidAsk"]

	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`

	// SessionMaxAge recycles the connection before the upstream's hard
	// 24h disconnect. Zero disables preemptive reconnection.
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`

	BufferSize int            `mapstructure:"buffer_size"`
	Backoff    backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults fills unset values in place.
func (c *Config) ApplyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.SessionMaxAge < 0 {
		c.SessionMaxAge = 0
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 512
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("connector: url is required")
	case len(c.Symbols) == 0:
		return fmt.Errorf("connector: at least one symbol is required")
	case len(c.Streams) == 0:
		return fmt.Errorf("connector: at least one stream is required")
	default:
		return nil
	}
}

// ConnectError wraps a handshake or auth failure.
type ConnectError struct {
	URL        string
	Status     int // HTTP status of a rejected handshake, 0 if none
	AuthFailed bool
	Err        error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connector: connect %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connector: connect %s: %v", e.URL, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Connector
// -----------------------------------------------------------------------------

// Connector drives the upstream WebSocket lifecycle.
type Connector struct {
	cfg    Config
	log    *logger.Logger
	policy *backoff.Policy

	state       atomic.Int32
	subscribeID atomic.Uint64
}

// New creates a Connector.
func New(cfg Config, log *logger.Logger) (*Connector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := backoff.New(cfg.Backoff)
	if err != nil {
		return nil, err
	}
	return &Connector{
		cfg:    cfg,
		log:    log.Named("connector"),
		policy: policy,
	}, nil
}

// State reports the current lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	stateGauge.Set(float64(s))
}

// streamParams builds the SUBSCRIBE params from symbols x streams.
func (c *Connector) streamParams() []string {
	params := make([]string, 0, len(c.cfg.Symbols)*len(c.cfg.Streams))
	for _, sym := range c.cfg.Symbols {
		for _, st := range c.cfg.Streams {
			params = append(params, strings.ToLower(sym)+"@"+st)
		}
	}
	return params
}

// Run owns the connection until ctx is cancelled or the retry ceiling is
// exhausted. Frames are delivered to out in arrival order; out is closed on
// return.
func (c *Connector) Run(ctx context.Context, out chan<- decoder.RawFrame) error {
	defer close(out)
	defer c.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			connectsTotal.WithLabelValues("error").Inc()
			c.log.Warn("connect failed", zap.Error(err))
			if werr := c.waitBackoff(ctx, err); werr != nil {
				return werr
			}
			continue
		}
		connectsTotal.WithLabelValues("ok").Inc()
		c.log.Info("connected", zap.String("url", c.cfg.URL))

		c.setState(StateSubscribing)
		if err := c.subscribe(conn); err != nil {
			c.log.Warn("subscribe failed", zap.Error(err))
			_ = conn.Close()
			c.setState(StateReconnecting)
			if werr := c.waitBackoff(ctx, err); werr != nil {
				return werr
			}
			continue
		}

		delivered, preemptive, readErr := c.readFrames(ctx, conn, out)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return ctx.Err()
		}
		if delivered {
			// the session proved itself: reconnect storms start fresh
			c.policy.Reset()
		}
		if preemptive {
			reconnectsTotal.WithLabelValues("preemptive").Inc()
			c.log.Info("session max age reached, recycling connection",
				zap.Duration("session_max_age", c.cfg.SessionMaxAge))
			continue // immediate redial, no backoff
		}

		reconnectsTotal.WithLabelValues("error").Inc()
		c.setState(StateReconnecting)
		c.log.Warn("connection lost, reconnecting", zap.Error(readErr))
		if werr := c.waitBackoff(ctx, readErr); werr != nil {
			return werr
		}
	}
}

// waitBackoff sleeps for the next back-off delay. A non-nil return is
// fatal: either the retry ceiling was exhausted or ctx was cancelled.
func (c *Connector) waitBackoff(ctx context.Context, cause error) error {
	delay, err := c.policy.Next()
	if err != nil {
		return fmt.Errorf("connector: giving up after %d attempts: %w (last error: %v)",
			c.policy.Attempts(), err, cause)
	}
	c.log.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.policy.Attempts()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if c.cfg.APIKey != "" {
		hdr.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		ce := &ConnectError{URL: c.cfg.URL, Err: err}
		if resp != nil {
			ce.Status = resp.StatusCode
			ce.AuthFailed = resp.StatusCode == http.StatusUnauthorized ||
				resp.StatusCode == http.StatusForbidden
		}
		return nil, ce
	}
	return conn, nil
}

func (c *Connector) subscribe(conn *websocket.Conn) error {
	id := c.subscribeID.Add(1)
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": c.streamParams(),
		"id":     id,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SubscribeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("connector: subscribe id=%d: %w", id, err)
	}
	return nil
}

// readFrames pumps frames until the connection dies, ctx is cancelled or
// the session reaches its max age. Keepalive pings are answered inline
// with the same payload before the next read.
func (c *Connector) readFrames(ctx context.Context, conn *websocket.Conn, out chan<- decoder.RawFrame) (delivered, preemptive bool, err error) {
	start := time.Now()
	sessionEnd := time.Time{}
	if c.cfg.SessionMaxAge > 0 {
		sessionEnd = start.Add(c.cfg.SessionMaxAge)
	}

	// read deadline never extends past the session max age, so a quiet
	// stream still recycles on time
	refresh := func() {
		d := time.Now().Add(c.cfg.ReadTimeout)
		if !sessionEnd.IsZero() && sessionEnd.Before(d) {
			d = sessionEnd
		}
		_ = conn.SetReadDeadline(d)
	}
	refresh()

	conn.SetPingHandler(func(appData string) error {
		pingsTotal.Inc()
		refresh()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// unblock an in-flight read on shutdown
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	for {
		if !sessionEnd.IsZero() && !time.Now().Before(sessionEnd) {
			return delivered, true, nil
		}

		msgType, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if !sessionEnd.IsZero() && !time.Now().Before(sessionEnd) && ctx.Err() == nil {
				return delivered, true, nil
			}
			return delivered, false, rerr
		}
		refresh()
		now := time.Now()

		var frame decoder.RawFrame
		switch msgType {
		case websocket.TextMessage:
			if c.handleControl(data) {
				continue
			}
			frame = decoder.RawFrame{Kind: decoder.FrameText, Data: data, ReceivedAt: now}
			framesTotal.WithLabelValues("text").Inc()
		case websocket.BinaryMessage:
			frame = decoder.RawFrame{Kind: decoder.FrameBinary, Data: data, ReceivedAt: now}
			framesTotal.WithLabelValues("binary").Inc()
		default:
			continue
		}

		if c.State() != StateStreaming {
			c.setState(StateStreaming)
		}

		select {
		case out <- frame:
			delivered = true
		default:
			frameDropsTotal.Inc()
			c.log.Warn("pipeline buffer full, dropping frame")
		}
	}
}

// handleControl consumes subscription acknowledgments and error responses.
// Returns true when the frame was a control frame. Errors are logged and
// non-fatal.
func (c *Connector) handleControl(data []byte) bool {
	var ack struct {
		ID     *uint64         `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || ack.ID == nil {
		return false
	}

	if len(ack.Error) > 0 && string(ack.Error) != "null" {
		c.log.Warn("subscription error response",
			zap.Uint64("id", *ack.ID),
			zap.ByteString("error", ack.Error))
		return true
	}

	c.log.Info("subscription acknowledged", zap.Uint64("id", *ack.ID))
	if c.State() == StateSubscribing {
		c.setState(StateStreaming)
	}
	return true
}
