// Package relayclient is a WebSocket client to the relay broker, used when
// a direct P2P path cannot be established. It mirrors the reconnect,
// backoff, and dedicated-writer-task shape used elsewhere for outbound
// WebSocket links, with a bounded channel feeding the one goroutine that
// owns the wire.
package relayclient

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("relayclient")

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	maxMessageSize  = 4 * 1024 * 1024
	initialBackoff  = 1 * time.Second
	maxBackoff      = 30 * time.Second
	backoffFactor   = 2.0
	jitterFactor    = 0.3
	sendChanDepth   = 256
	frameChanDepth  = 30
)

// MessageType enumerates relay envelope kinds.
type MessageType string

const (
	MsgRegister         MessageType = "Register"
	MsgRegisterResponse MessageType = "RegisterResponse"
	MsgConnectRequest   MessageType = "ConnectRequest"
	MsgConnectResponse  MessageType = "ConnectResponse"
	MsgDisconnect       MessageType = "Disconnect"
	MsgScreenFrame      MessageType = "ScreenFrame"
	MsgInputEvent       MessageType = "InputEvent"
	MsgHeartbeat        MessageType = "Heartbeat"
	MsgError            MessageType = "Error"
)

// Envelope is the wire format for every relay message.
type Envelope struct {
	Type      MessageType     `json:"message_type"`
	SourceID  string          `json:"source_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ConnectRequest is published on ConnectRequests when a viewer asks the
// relay to pair with this session.
type ConnectRequest struct {
	SourceID string
}

// Config configures a Client.
type Config struct {
	ServerURL         string
	SessionID         string
	AuthToken         string
	HeartbeatInterval time.Duration
}

// Client is a WebSocket connection to the relay broker.
type Client struct {
	cfg Config

	connMu sync.RWMutex
	conn   *websocket.Conn

	registered bool
	regMu      sync.RWMutex

	sendChan  chan []byte
	frameChan chan []byte

	connectRequests chan ConnectRequest
	inbound         chan Envelope

	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runMu     sync.RWMutex
}

// New returns a Client for the given broker configuration.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:             cfg,
		sendChan:        make(chan []byte, sendChanDepth),
		frameChan:       make(chan []byte, frameChanDepth),
		connectRequests: make(chan ConnectRequest, 8),
		inbound:         make(chan Envelope, 32),
		done:            make(chan struct{}),
	}
}

// ConnectRequests returns the channel inbound ConnectRequest envelopes are
// published on. The Connection Manager does not read this channel.
func (c *Client) ConnectRequests() <-chan ConnectRequest { return c.connectRequests }

// Inbound surfaces every other envelope (ScreenFrame, InputEvent, Error, ...).
func (c *Client) Inbound() <-chan Envelope { return c.inbound }

// Registered reports whether the broker has acknowledged registration.
func (c *Client) Registered() bool {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	return c.registered
}

// Start begins the reconnect loop. Safe to call once; subsequent calls are
// no-ops while already running.
func (c *Client) Start() {
	c.runMu.Lock()
	if c.isRunning {
		c.runMu.Unlock()
		return
	}
	c.isRunning = true
	c.runMu.Unlock()

	go c.reconnectLoop()
}

// Stop closes the connection and halts reconnection. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runMu.Lock()
		c.isRunning = false
		c.runMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("relay client stopped")
	})
}

// Register asks the broker to associate this connection with sessionID.
func (c *Client) Register(sessionID string) error {
	return c.sendEnvelope(Envelope{Type: MsgRegister, SourceID: sessionID})
}

// ConnectToPeer asks the broker to pair this session with targetSessionID.
func (c *Client) ConnectToPeer(targetSessionID string) error {
	return c.sendEnvelope(Envelope{Type: MsgConnectRequest, TargetID: targetSessionID})
}

// SendFrame forwards encoded frame bytes to target, base64-embedded per the
// relay wire format. Non-blocking: drops the frame if the channel is full.
func (c *Client) SendFrame(target string, bytes []byte) error {
	data, err := json.Marshal(struct {
		FrameData []byte `json:"frame_data"`
	}{FrameData: bytes})
	if err != nil {
		return fmt.Errorf("relayclient: marshal frame: %w", err)
	}
	env := Envelope{Type: MsgScreenFrame, TargetID: target, Data: data, Timestamp: time.Now().UnixMilli()}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relayclient: marshal envelope: %w", err)
	}

	select {
	case c.frameChan <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("relayclient: stopped")
	default:
		return fmt.Errorf("relayclient: frame channel full, dropping frame")
	}
}

// SendInput forwards an input event payload to target.
func (c *Client) SendInput(target string, input json.RawMessage) error {
	return c.sendEnvelope(Envelope{Type: MsgInputEvent, TargetID: target, Data: input})
}

// Disconnect sends an explicit Disconnect envelope before teardown.
func (c *Client) Disconnect(target string) error {
	return c.sendEnvelope(Envelope{Type: MsgDisconnect, TargetID: target})
}

func (c *Client) sendEnvelope(env Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relayclient: marshal envelope: %w", err)
	}
	select {
	case c.sendChan <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("relayclient: stopped")
	default:
		return fmt.Errorf("relayclient: send channel full")
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("relayclient: build url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("relayclient: connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("relay connected", "server", c.cfg.ServerURL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("session_id", c.cfg.SessionID)
	q.Set("token", c.cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("relay connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.regMu.Lock()
		c.registered = false
		c.regMu.Unlock()

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.runMu.RLock()
		running := c.isRunning
		c.runMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("relay read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("discarding malformed relay envelope", "error", err)
			continue
		}

		switch env.Type {
		case MsgRegisterResponse:
			c.regMu.Lock()
			c.registered = true
			c.regMu.Unlock()
		case MsgConnectRequest:
			select {
			case c.connectRequests <- ConnectRequest{SourceID: env.SourceID}:
			default:
				log.Warn("connect request dropped, subscriber too slow")
			}
		case MsgHeartbeat:
			// liveness only, nothing to surface
		default:
			select {
			case c.inbound <- env:
			default:
				log.Warn("relay inbound message dropped, subscriber too slow")
			}
		}
	}
}

func (c *Client) writePump(pumpDone chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pumpDone:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			if !c.writeText(message) {
				return
			}

		case frame := <-c.frameChan:
			if !c.writeText(frame) {
				return
			}

		case <-ticker.C:
			if err := c.sendEnvelope(Envelope{Type: MsgHeartbeat, SourceID: c.cfg.SessionID}); err != nil {
				log.Warn("failed to queue heartbeat", "error", err)
			}
		}
	}
}

func (c *Client) writeText(payload []byte) bool {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Warn("relay write error", "error", err)
		return false
	}
	return true
}
