package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/petervdpas/signalcore/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 70 * time.Second
	pingPeriod     = 30 * time.Second
	outboundBuffer = 64
)

// class is the connection classification state machine (§3): set once by
// the first successful register message, immutable thereafter.
type class int

const (
	classUnbound class = iota
	classSignaling
	classRelay
	classFederation
)

func (c class) String() string {
	switch c {
	case classSignaling:
		return "signaling"
	case classRelay:
		return "relay"
	case classFederation:
		return "federation"
	default:
		return "unbound"
	}
}

// Socket wraps one client or federation WebSocket connection. It
// implements signaling.Sender and relaypeer.Sender (ID/Send), owns the
// outbound write pump, and tracks the connection's classification.
type Socket struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	bound      bool
	kind       class
	boundKey   string // pairing_code, peer_id, or federation server_id

	limiter *slidingWindowLimiter

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocket(wsConn *websocket.Conn, limiter *slidingWindowLimiter) *Socket {
	return &Socket{
		id:      uuid.NewString(),
		conn:    wsConn,
		send:    make(chan []byte, outboundBuffer),
		closed:  make(chan struct{}),
		limiter: limiter,
	}
}

// CheckRate applies the per-socket sliding-window rate limiter to an
// inbound message (§4.8).
func (s *Socket) CheckRate() allowResult { return s.limiter.Check() }

func (s *Socket) ID() string { return s.id }

// Classification returns the current state and bound key.
func (s *Socket) Classification() (class, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind, s.boundKey
}

// Bind sets the classification if unbound, or confirms it matches the
// existing one. Returns false if the socket is already bound to a
// different classification or key (§3: immutable once set).
func (s *Socket) Bind(kind class, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		s.bound = true
		s.kind = kind
		s.boundKey = key
		return true
	}
	return s.kind == kind && s.boundKey == key
}

// Send marshals and enqueues msg for delivery without blocking, per §4.8's
// egress guarantee that the server never blocks on a slow peer. A closed
// socket silently drops the message; a full queue drops it and closes the
// socket.
func (s *Socket) Send(msg proto.OutMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Warn("failed to marshal outbound message")
		return
	}
	select {
	case s.send <- payload:
	case <-s.closed:
	default:
		// Outbound queue is saturated; the peer is not draining fast
		// enough. Close rather than let memory grow unbounded.
		s.Close(websocket.CloseMessageTooBig)
	}
}

// Close closes the socket with the given close code. Safe to call more
// than once and from multiple goroutines.
func (s *Socket) Close(code int) {
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
	})
}

// writePump drains the outbound queue to the wire and sends periodic
// pings, the standard gorilla/websocket write-pump idiom.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.Close(websocket.CloseNormalClosure)

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
