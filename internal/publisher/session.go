// internal/publisher/session.go

package publisher

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// session is one downstream client connection. The outbound queue is
// bounded; the writer goroutine is the only writer on the socket and the
// only reader of the queue.
type session struct {
	id   uint64
	conn net.Conn

	out  chan []byte
	done chan struct{}

	lastActivity atomic.Int64 // unix nanos of the last successful write
	closeOnce    sync.Once
}

func newSession(id uint64, conn net.Conn, queueSize int) *session {
	s := &session{
		id:   id,
		conn: conn,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// enqueue attempts a non-blocking push of buf. A full queue means the
// client has fallen behind its depth budget.
func (s *session) enqueue(buf []byte) bool {
	select {
	case s.out <- buf:
		return true
	default:
		return false
	}
}

// close is idempotent and unblocks both session goroutines.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the queue to the socket under the configured write
// deadline. Returns the eviction reason once the session is unusable, or
// "" on orderly shutdown.
func (s *session) writeLoop(writeTimeout time.Duration) string {
	for {
		select {
		case <-s.done:
			return ""
		case buf := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return "write_error"
			}
			if _, err := s.conn.Write(buf); err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					return "write_timeout"
				}
				return "write_error"
			}
			s.lastActivity.Store(time.Now().UnixNano())
		}
	}
}

// readLoop discards anything the client sends and detects disconnect via
// EOF. The downstream protocol is one-way.
func (s *session) readLoop() {
	buf := make([]byte, 512)
	for {
		if _, err := s.conn.Read(buf); err != nil {
			return
		}
	}
}
