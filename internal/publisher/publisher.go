// internal/publisher/publisher.go

// Package publisher fans normalized events out to local strategy-engine
// consumers over a unix domain socket. Slow consumers are evicted, never
// awaited: a blocked client can not stall the upstream pipeline or any
// other client.
package publisher

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds publisher settings.
type Config struct {
	SocketPath        string        `mapstructure:"socket_path"`
	MaxClients        int           `mapstructure:"max_clients"`
	QueueSize         int           `mapstructure:"queue_size"` // per-session outbound depth
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ApplyDefaults fills unset values in place.
func (c *Config) ApplyDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 100 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("publisher: socket_path is required")
	}
	return nil
}

// BindError wraps a failure to bind the listening socket. Fatal at startup.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("publisher: bind %s: %v", e.Path, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Publisher
// -----------------------------------------------------------------------------

// Publisher owns the listening socket and all client sessions.
type Publisher struct {
	cfg Config
	log *logger.Logger

	ln     net.Listener
	closed atomic.Bool

	mu       sync.RWMutex
	sessions map[uint64]*session
	nextID   uint64

	wg sync.WaitGroup
}

// New constructs a Publisher. Call Listen before Run.
func New(cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{
		cfg:      cfg,
		log:      log.Named("publisher"),
		sessions: make(map[uint64]*session),
	}, nil
}

// Listen binds the unix socket, unlinking a stale prior binding first.
func (p *Publisher) Listen() error {
	if fi, err := os.Stat(p.cfg.SocketPath); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(p.cfg.SocketPath); err != nil {
			return &BindError{Path: p.cfg.SocketPath, Err: err}
		}
		p.log.Warn("removed stale socket", zap.String("path", p.cfg.SocketPath))
	}

	ln, err := net.Listen("unix", p.cfg.SocketPath)
	if err != nil {
		return &BindError{Path: p.cfg.SocketPath, Err: err}
	}
	p.ln = ln
	p.log.Info("listening", zap.String("path", p.cfg.SocketPath))
	return nil
}

// Run serves accepted clients and heartbeats until ctx is cancelled or the
// listening socket fails fatally, then tears everything down.
func (p *Publisher) Run(ctx context.Context) error {
	if p.ln == nil {
		return fmt.Errorf("publisher: Run before Listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptErr := make(chan error, 1)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		acceptErr <- p.acceptLoop()
	}()
	go func() {
		defer p.wg.Done()
		p.heartbeatLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-acceptErr:
	}

	cancel()
	p.Close()
	p.wg.Wait()
	return err
}

func (p *Publisher) acceptLoop() error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.log.Warn("accept error", zap.Error(err))
				continue
			}
			// listener is gone: fatal
			return fmt.Errorf("publisher: accept: %w", err)
		}
		p.register(conn)
	}
}

func (p *Publisher) register(conn net.Conn) {
	p.mu.Lock()
	// a connection accepted in the window before Close must not outlive the
	// publisher: nothing would ever tear its session down
	if p.closed.Load() {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if len(p.sessions) >= p.cfg.MaxClients {
		p.mu.Unlock()
		rejectedTotal.Inc()
		p.log.Warn("max clients reached, rejecting connection",
			zap.Int("max_clients", p.cfg.MaxClients))
		_ = conn.Close()
		return
	}
	p.nextID++
	s := newSession(p.nextID, conn, p.cfg.QueueSize)
	p.sessions[s.id] = s
	total := len(p.sessions)
	p.mu.Unlock()

	clientsGauge.Set(float64(total))
	p.log.Info("client connected", zap.Uint64("session", s.id), zap.Int("total", total))

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if reason := s.writeLoop(p.cfg.WriteTimeout); reason != "" {
			p.evict(s, reason)
		}
	}()
	go func() {
		defer p.wg.Done()
		s.readLoop()
		p.evict(s, "disconnect")
	}()
}

// evict drops one session without touching any other. Safe to call from
// multiple goroutines; only the first wins.
func (p *Publisher) evict(s *session, reason string) {
	p.mu.Lock()
	_, present := p.sessions[s.id]
	delete(p.sessions, s.id)
	total := len(p.sessions)
	p.mu.Unlock()

	s.close()
	if !present {
		return
	}

	clientsGauge.Set(float64(total))
	evictionsTotal.WithLabelValues(reason).Inc()
	p.log.Warn("client evicted",
		zap.Uint64("session", s.id),
		zap.String("reason", reason),
		zap.Int("total", total))
}

// -----------------------------------------------------------------------------
// Publishing
// -----------------------------------------------------------------------------

// Publish serializes evt exactly once and enqueues the identical buffer to
// every session. A session whose queue is full is evicted immediately.
func (p *Publisher) Publish(evt decoder.Event) error {
	buf, err := EncodeEvent(evt)
	if err != nil {
		return err
	}
	p.broadcast(buf, "queue_full")
	publishedTotal.Inc()
	return nil
}

func (p *Publisher) broadcast(buf []byte, fullReason string) {
	p.mu.RLock()
	snapshot := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		snapshot = append(snapshot, s)
	}
	p.mu.RUnlock()

	for _, s := range snapshot {
		if !s.enqueue(buf) {
			p.evict(s, fullReason)
		}
	}
}

func (p *Publisher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.broadcast(heartbeatEnvelope, "queue_full")
			heartbeatsTotal.Inc()
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// ClientCount reports currently connected sessions.
func (p *Publisher) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Ready returns nil once the socket is bound. Used by the readyz probe.
func (p *Publisher) Ready() error {
	if p.ln == nil || p.closed.Load() {
		return fmt.Errorf("publisher: not listening")
	}
	return nil
}

// Close stops accepting, closes every session and removes the socket file.
// Idempotent.
func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}

	p.mu.Lock()
	snapshot := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		snapshot = append(snapshot, s)
	}
	p.sessions = make(map[uint64]*session)
	p.mu.Unlock()

	for _, s := range snapshot {
		s.close()
	}
	clientsGauge.Set(0)

	_ = os.Remove(p.cfg.SocketPath)
	p.log.Info("publisher stopped", zap.Int("closed_sessions", len(snapshot)))
}
