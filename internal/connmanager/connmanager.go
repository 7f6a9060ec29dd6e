// Package connmanager unifies the P2P transport and the relay client
// behind one serialized connection-status machine. It is the single owned
// instance a host or viewer process consults; nothing constructs a fresh
// manager inside a request handler.
package connmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-rdp/engine/internal/identity"
	"github.com/meridian-rdp/engine/internal/logging"
	"github.com/meridian-rdp/engine/internal/p2ptransport"
	"github.com/meridian-rdp/engine/internal/relayclient"
)

// inboundQueueDepth bounds how many not-yet-consumed InputEvent payloads
// Manager buffers before it starts dropping; input ingress is expected to
// be drained promptly by inputapply, unlike frame egress which tolerates
// bursts.
const inboundQueueDepth = 64

var log = logging.L("connmanager")

// Transport identifies which underlying link is active.
type Transport int

const (
	TransportNone Transport = iota
	TransportP2P
	TransportRelay
)

func (t Transport) String() string {
	switch t {
	case TransportP2P:
		return "p2p"
	case TransportRelay:
		return "relay"
	default:
		return "none"
	}
}

// Status is a tagged variant, not a stringly-typed value: Reason is only
// meaningful when State is Failed.
type Status struct {
	State     StatusState
	Transport Transport
	Reason    string
}

// StatusState is the Connection Manager's lifecycle state.
type StatusState int

const (
	Disconnected StatusState = iota
	Connecting
	Connected
	Failed
)

func (s StatusState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by send_* calls while not Connected.
var ErrNotConnected = fmt.Errorf("connmanager: not connected")

// Config configures bring-up behavior.
type Config struct {
	P2PEnabled          bool
	P2PListenAddr       string // host role
	RelayEnabled        bool
	RelayServerURL      string
	AutoFallback        bool
	ConnectionTimeout   time.Duration
	HeartbeatInterval   time.Duration
}

// Manager owns the active transport exclusively; other components call
// through it and never reach past it to the transport directly.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	status Status

	ids *identity.Allocator

	p2pServer *p2ptransport.Server
	p2pConn   *p2ptransport.Conn
	relay     *relayclient.Client

	sessionHandle string // opaque handle passed to identity.Allocate/Release
	sessionID     string // short numeric id formatted from that handle

	events  chan Status
	inbound chan json.RawMessage

	cancelBringup context.CancelFunc
}

// New returns a Manager in the Disconnected state.
func New(cfg Config, ids *identity.Allocator) *Manager {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		ids:     ids,
		status:  Status{State: Disconnected},
		events:  make(chan Status, 8),
		inbound: make(chan json.RawMessage, inboundQueueDepth),
	}
}

// Events publishes a Status on every transition.
func (m *Manager) Events() <-chan Status { return m.events }

// Inbound delivers the raw data payload of every InputEvent received from
// the active transport, P2P or relay, unified behind one channel so
// callers never need to know which transport is live.
func (m *Manager) Inbound() <-chan json.RawMessage { return m.inbound }

func (m *Manager) forwardP2PInbound(conn *p2ptransport.Conn) {
	for in := range conn.Inbound() {
		if in.Envelope == nil || in.Envelope.Type != p2ptransport.MsgInputEvent {
			continue
		}
		select {
		case m.inbound <- in.Envelope.Data:
		default:
			log.Warn("inbound input event dropped, subscriber too slow")
		}
	}
}

func (m *Manager) forwardRelayInbound(client *relayclient.Client) {
	for env := range client.Inbound() {
		if env.Type != relayclient.MsgInputEvent {
			continue
		}
		select {
		case m.inbound <- env.Data:
		default:
			log.Warn("inbound input event dropped, subscriber too slow")
		}
	}
}

// Current returns the current status under the status lock.
func (m *Manager) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GetConnectionID returns the minted short session id, if any.
func (m *Manager) GetConnectionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, m.sessionID != ""
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()

	select {
	case m.events <- s:
	default:
		log.Warn("status event dropped, subscriber too slow")
	}
}

// StartHost brings up the host role: P2P first, relay fallback per config.
func (m *Manager) StartHost(ctx context.Context) error {
	m.setStatus(Status{State: Connecting})

	bringupCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	m.mu.Lock()
	m.cancelBringup = cancel
	m.mu.Unlock()
	defer cancel()

	handle := "host-" + uuid.NewString()
	sessionID, err := m.ids.Allocate(handle)
	if err != nil {
		m.setStatus(Status{State: Failed, Reason: err.Error()})
		return err
	}
	m.mu.Lock()
	m.sessionHandle = handle
	m.sessionID = sessionID
	m.mu.Unlock()

	if m.cfg.P2PEnabled {
		srv := p2ptransport.NewServer(m.cfg.P2PListenAddr, m.cfg.HeartbeatInterval)
		if err := srv.Start(); err == nil {
			m.mu.Lock()
			m.p2pServer = srv
			m.mu.Unlock()
			go m.acceptP2P(bringupCtx, srv)
			m.setStatus(Status{State: Connected, Transport: TransportP2P})
			return nil
		} else {
			log.Warn("p2p bind failed", "error", err)
			if !m.cfg.RelayEnabled || !m.cfg.AutoFallback {
				m.setStatus(Status{State: Failed, Reason: err.Error()})
				return err
			}
		}
	}

	if m.cfg.RelayEnabled {
		return m.fallbackToRelayHost(bringupCtx, sessionID)
	}

	reason := "no transport available"
	m.setStatus(Status{State: Failed, Reason: reason})
	return fmt.Errorf("connmanager: %s", reason)
}

func (m *Manager) acceptP2P(ctx context.Context, srv *p2ptransport.Server) {
	select {
	case conn := <-srv.Accepted():
		m.mu.Lock()
		m.p2pConn = conn
		m.mu.Unlock()
		go m.watchTeardown(conn)
		go m.forwardP2PInbound(conn)
	case <-ctx.Done():
	}
}

func (m *Manager) fallbackToRelayHost(ctx context.Context, sessionID string) error {
	client := relayclient.New(relayclient.Config{
		ServerURL:         m.cfg.RelayServerURL,
		SessionID:         sessionID,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
	})
	client.Start()

	if err := client.Register(sessionID); err != nil {
		client.Stop()
		m.setStatus(Status{State: Failed, Reason: err.Error()})
		return err
	}

	deadline := time.NewTimer(m.cfg.ConnectionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Stop()
			m.setStatus(Status{State: Failed, Reason: "timeout"})
			return fmt.Errorf("connmanager: relay registration timeout")
		case <-deadline.C:
			client.Stop()
			m.setStatus(Status{State: Failed, Reason: "timeout"})
			return fmt.Errorf("connmanager: relay registration timeout")
		case <-ticker.C:
			if client.Registered() {
				m.mu.Lock()
				m.relay = client
				m.mu.Unlock()
				go m.forwardRelayInbound(client)
				m.setStatus(Status{State: Connected, Transport: TransportRelay})
				return nil
			}
		}
	}
}

// StartViewer brings up the viewer role against targetSessionID.
func (m *Manager) StartViewer(ctx context.Context, targetAddr, targetSessionID string) error {
	m.setStatus(Status{State: Connecting})

	bringupCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	m.mu.Lock()
	m.cancelBringup = cancel
	m.mu.Unlock()
	defer cancel()

	if m.cfg.P2PEnabled && targetAddr != "" {
		conn, err := p2ptransport.Dial(bringupCtx, targetAddr, m.cfg.HeartbeatInterval)
		if err == nil {
			m.mu.Lock()
			m.p2pConn = conn
			m.mu.Unlock()
			go m.watchTeardown(conn)
			go m.forwardP2PInbound(conn)
			m.setStatus(Status{State: Connected, Transport: TransportP2P})
			return nil
		}
		log.Warn("p2p dial failed", "error", err)
		if !m.cfg.RelayEnabled || !m.cfg.AutoFallback {
			m.setStatus(Status{State: Failed, Reason: err.Error()})
			return err
		}
	}

	if !m.cfg.RelayEnabled {
		reason := "no transport available"
		m.setStatus(Status{State: Failed, Reason: reason})
		return fmt.Errorf("connmanager: %s", reason)
	}

	handle := "viewer-" + uuid.NewString()
	selfID, err := m.ids.Allocate(handle)
	if err != nil {
		m.setStatus(Status{State: Failed, Reason: err.Error()})
		return err
	}

	client := relayclient.New(relayclient.Config{
		ServerURL:         m.cfg.RelayServerURL,
		SessionID:         selfID,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
	})
	client.Start()
	if err := client.Register(selfID); err != nil {
		client.Stop()
		m.setStatus(Status{State: Failed, Reason: err.Error()})
		return err
	}
	if err := client.ConnectToPeer(targetSessionID); err != nil {
		client.Stop()
		m.setStatus(Status{State: Failed, Reason: err.Error()})
		return err
	}

	m.mu.Lock()
	m.relay = client
	m.sessionHandle = handle
	m.sessionID = selfID
	m.mu.Unlock()
	go m.forwardRelayInbound(client)
	m.setStatus(Status{State: Connected, Transport: TransportRelay})
	return nil
}

func (m *Manager) watchTeardown(conn *p2ptransport.Conn) {
	<-conn.Closed()
	m.mu.Lock()
	if m.p2pConn == conn {
		m.p2pConn = nil
	}
	m.mu.Unlock()
	m.setStatus(Status{State: Disconnected})
}

// SendFrame dispatches to the active transport.
func (m *Manager) SendFrame(target string, bytes []byte) error {
	m.mu.Lock()
	st := m.status
	conn := m.p2pConn
	relay := m.relay
	m.mu.Unlock()

	if st.State != Connected {
		return ErrNotConnected
	}
	if st.Transport == TransportP2P && conn != nil {
		return conn.SendFrame(bytes)
	}
	if st.Transport == TransportRelay && relay != nil {
		return relay.SendFrame(target, bytes)
	}
	return ErrNotConnected
}

// SendInput dispatches an input event to the active transport.
func (m *Manager) SendInput(target string, payload json.RawMessage) error {
	m.mu.Lock()
	st := m.status
	conn := m.p2pConn
	relay := m.relay
	m.mu.Unlock()

	if st.State != Connected {
		return ErrNotConnected
	}
	if st.Transport == TransportP2P && conn != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("connmanager: marshal input: %w", err)
		}
		return conn.SendEnvelope(p2ptransport.Envelope{Type: p2ptransport.MsgInputEvent, Data: data})
	}
	if st.Transport == TransportRelay && relay != nil {
		return relay.SendInput(target, payload)
	}
	return ErrNotConnected
}

// Stop tears down the active transport. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancelBringup
	conn := m.p2pConn
	srv := m.p2pServer
	relay := m.relay
	sessionID := m.sessionID
	sessionHandle := m.sessionHandle
	m.p2pConn = nil
	m.p2pServer = nil
	m.relay = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if relay != nil {
		relay.Disconnect(sessionID)
		relay.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	if srv != nil {
		srv.Stop()
	}
	if sessionHandle != "" && m.ids != nil {
		if err := m.ids.Release(sessionHandle); err != nil {
			log.Warn("failed to release connection id", "session_handle", sessionHandle, "error", err)
		}
	}

	m.setStatus(Status{State: Disconnected})
}
