// Package p2ptransport implements the direct host<->viewer transport: a
// WebSocket server that accepts inbound viewer connections and a client
// that dials a host's (ip, port), both sharing the same message-oriented
// framing (binary for frame bytes, text for JSON protocol envelopes).
package p2ptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("p2ptransport")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
	heartbeatGrace = 3 // missed heartbeats tolerated before teardown
)

// MessageType enumerates protocol envelope kinds carried over text frames.
type MessageType string

const (
	MsgAuthRequest       MessageType = "AuthRequest"
	MsgAuthResponse      MessageType = "AuthResponse"
	MsgScreenFrameReq    MessageType = "ScreenFrameRequest"
	MsgScreenFrame       MessageType = "ScreenFrame"
	MsgInputEvent        MessageType = "InputEvent"
	MsgHeartbeat         MessageType = "Heartbeat"
	MsgConnectionStatus  MessageType = "ConnectionStatus"
	MsgError             MessageType = "Error"
)

// Envelope is the JSON protocol message carried over text frames.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"message_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Inbound is delivered to subscribers for every received message.
type Inbound struct {
	Envelope *Envelope // set for text messages
	Frame    []byte    // set for binary messages
}

// Conn wraps one established transport connection, server- or client-side.
type Conn struct {
	ws *websocket.Conn

	mu        sync.Mutex
	lastPing  time.Time
	closed    bool
	closeOnce sync.Once

	heartbeatInterval time.Duration

	inbound chan Inbound
	closedC chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConn(ws *websocket.Conn, heartbeatInterval time.Duration) *Conn {
	ws.SetReadLimit(maxMessageSize)
	c := &Conn{
		ws:                ws,
		lastPing:          time.Now(),
		heartbeatInterval: heartbeatInterval,
		inbound:           make(chan Inbound, 32),
		closedC:           make(chan struct{}),
	}
	return c
}

func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.heartbeatLoop(ctx)
}

// Inbound returns the channel every received message (heartbeats excluded)
// is published on.
func (c *Conn) Inbound() <-chan Inbound { return c.inbound }

// Closed returns a channel closed when the connection has torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closedC }

// LastPing returns the time of the most recently observed heartbeat, or the
// connection's creation time if none has arrived yet.
func (c *Conn) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// SendFrame writes raw frame bytes as a binary message.
func (c *Conn) SendFrame(b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// SendEnvelope writes a JSON protocol message as a text message.
func (c *Conn) SendEnvelope(env Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("p2ptransport: marshal envelope: %w", err)
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.ws.Close()
		close(c.closedC)
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("connection closed abnormally", "error", err)
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			c.publish(Inbound{Frame: data})

		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Warn("discarding malformed envelope", "error", err)
				continue
			}
			if env.Type == MsgHeartbeat {
				c.mu.Lock()
				c.lastPing = time.Now()
				c.mu.Unlock()
				continue
			}
			c.publish(Inbound{Envelope: &env})
		}
	}
}

func (c *Conn) publish(in Inbound) {
	select {
	case c.inbound <- in:
	default:
		log.Warn("inbound message dropped, subscriber too slow")
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendEnvelope(Envelope{Type: MsgHeartbeat}); err != nil {
				log.Warn("heartbeat send failed, tearing down", "error", err)
				c.Close()
				return
			}
			c.mu.Lock()
			stale := time.Since(c.lastPing) > c.heartbeatInterval*heartbeatGrace
			c.mu.Unlock()
			if stale {
				log.Warn("heartbeat timeout, tearing down connection")
				c.Close()
				return
			}
		}
	}
}

// Server accepts inbound P2P connections over TCP port Q. Every successful
// upgrade is started and offered on Accepted; the Server tracks only the
// most recent connection, which is the one Stop closes.
type Server struct {
	addr              string
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader

	httpServer *http.Server

	mu   sync.Mutex
	conn *Conn

	accepted chan *Conn
}

// NewServer returns a Server bound to addr (host:port, used as given),
// sending heartbeats at heartbeatInterval.
func NewServer(addr string, heartbeatInterval time.Duration) *Server {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Server{
		addr:              addr,
		heartbeatInterval: heartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		accepted: make(chan *Conn, 1),
	}
}

// Accepted returns the channel newly established connections are published on.
func (s *Server) Accepted() <-chan *Conn { return s.accepted }

// Start binds the listener and begins serving the upgrade endpoint.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("p2ptransport: listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("http server stopped", "error", err)
		}
	}()

	log.Info("p2p server listening", "addr", s.addr)
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "error", err)
		return
	}

	conn := newConn(ws, s.heartbeatInterval)
	conn.start()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	select {
	case s.accepted <- conn:
	default:
		log.Warn("accepted connection dropped, no subscriber")
	}
}

// Stop closes the active connection, if any, and the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// Dial connects to a host at addr (ip:port) as a viewer.
func Dial(ctx context.Context, addr string, heartbeatInterval time.Duration) (*Conn, error) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := fmt.Sprintf("ws://%s/", addr)

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("p2ptransport: dial %s: %w", addr, err)
	}

	conn := newConn(ws, heartbeatInterval)
	conn.start()
	return conn, nil
}
