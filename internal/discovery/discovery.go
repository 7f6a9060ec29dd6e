// Package discovery implements LAN peer discovery over UDP broadcast:
// Announce/Response/Goodbye housekeeping plus ConnectionRequest/
// ConnectionResponse relay into the request arbiter.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("discovery")

const (
	broadcastInterval = 5 * time.Second
	sweepInterval      = 10 * time.Second
	peerTTL            = 30 * time.Second
	recvBufferSize     = 2048
)

// MessageType identifies a discovery wire message's purpose.
type MessageType string

const (
	MsgAnnounce           MessageType = "announce"
	MsgResponse           MessageType = "response"
	MsgGoodbye            MessageType = "goodbye"
	MsgConnectionRequest  MessageType = "connection_request"
	MsgConnectionResponse MessageType = "connection_response"
)

// DeviceInfo identifies a host on the LAN.
type DeviceInfo struct {
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	DeviceType   string   `json:"device_type"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	ServerPort   int      `json:"server_port"`
	IPAddress    string   `json:"ip_address"`
}

// ConnectionRequestPayload rides inside a ConnectionRequest message.
type ConnectionRequestPayload struct {
	RequestID             string   `json:"request_id"`
	RequesterDeviceID     string   `json:"requester_device_id"`
	RequesterName         string   `json:"requester_name"`
	RequesterIP           string   `json:"requester_ip"`
	RequestedCapabilities []string `json:"requested_permissions"`
	Message               string   `json:"message,omitempty"`
}

// ConnectionResponsePayload rides inside a ConnectionResponse message.
type ConnectionResponsePayload struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// wireMessage is the envelope every message is sent as.
type wireMessage struct {
	Type      MessageType                `json:"message_type"`
	Device    DeviceInfo                 `json:"device_info"`
	Timestamp int64                      `json:"timestamp"`
	Request   *ConnectionRequestPayload  `json:"connection_request,omitempty"`
	Response  *ConnectionResponsePayload `json:"response,omitempty"`
}

// PeerRecord is a discovered device and when it was last seen.
type PeerRecord struct {
	Info     DeviceInfo
	LastSeen time.Time
	Addr     string
}

// RequestSink receives ConnectionRequest payloads arriving over discovery,
// forwarding them into the Request Arbiter. Implemented by *arbiter.Arbiter.
type RequestSink interface {
	HandleIncoming(requesterAddr string, req ConnectionRequestPayload) error
}

// Discovery runs the UDP broadcast protocol on one port.
type Discovery struct {
	self DeviceInfo
	port int
	sink RequestSink

	conn *net.UDPConn

	mu      sync.RWMutex
	peers   *gocache.Cache
	peerIPs map[string]string // advertised ip -> device_id, for duplicate-IP eviction

	updates chan []PeerRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Discovery bound to the given self-description and UDP port.
// sink may be nil if inbound ConnectionRequests should be ignored.
func New(self DeviceInfo, port int, sink RequestSink) *Discovery {
	return &Discovery{
		self:    self,
		port:    port,
		sink:    sink,
		peers:   gocache.New(peerTTL, 0), // no janitor: sweepLoop deletes expired peers
		peerIPs: make(map[string]string),
		updates: make(chan []PeerRecord, 4),
	}
}

// Updates returns the channel peer-table snapshots are published on whenever
// the table changes.
func (d *Discovery) Updates() <-chan []PeerRecord { return d.updates }

// Start binds the UDP socket and launches the listener, announcer, and
// sweep goroutines.
func (d *Discovery) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: d.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen on port %d: %w", d.port, err)
	}
	d.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(3)
	go d.listenLoop(ctx)
	go d.announceLoop(ctx)
	go d.sweepLoop(ctx)

	log.Info("discovery started", "port", d.port)
	return nil
}

// Stop broadcasts Goodbye, clears the peer table, and tears down the socket.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.broadcast(MsgGoodbye, nil, nil)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()

	d.mu.Lock()
	d.peers.Flush()
	d.peerIPs = make(map[string]string)
	d.mu.Unlock()
}

func (d *Discovery) listenLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		var msg wireMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Warn("discarding malformed discovery message", "from", addr.String(), "error", err)
			continue
		}
		d.handleMessage(msg, addr)
	}
}

func (d *Discovery) handleMessage(msg wireMessage, addr *net.UDPAddr) {
	if d.isSelf(msg.Device, addr.IP.String()) {
		return
	}

	switch msg.Type {
	case MsgAnnounce:
		d.upsertPeer(msg.Device, addr)
		d.unicastResponse(addr)
		d.publishSnapshot()

	case MsgResponse:
		d.upsertPeer(msg.Device, addr)
		d.publishSnapshot()

	case MsgGoodbye:
		d.removePeer(msg.Device.DeviceID)
		d.publishSnapshot()

	case MsgConnectionRequest:
		if d.sink != nil && msg.Request != nil {
			if err := d.sink.HandleIncoming(addr.String(), *msg.Request); err != nil {
				log.Warn("request arbiter rejected incoming discovery request", "error", err)
			}
		}

	default:
		log.Warn("unknown discovery message type", "type", msg.Type)
	}
}

func (d *Discovery) isSelf(remote DeviceInfo, remoteIP string) bool {
	return remote.DeviceID == d.self.DeviceID || remoteIP == d.self.IPAddress
}

func (d *Discovery) upsertPeer(info DeviceInfo, addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ip := addr.IP.String()
	if existingID, ok := d.peerIPs[ip]; ok && existingID != info.DeviceID {
		d.peers.Delete(existingID)
	}
	d.peerIPs[ip] = info.DeviceID

	d.peers.Set(info.DeviceID, PeerRecord{Info: info, LastSeen: time.Now(), Addr: addr.String()}, gocache.DefaultExpiration)
}

func (d *Discovery) removePeer(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers.Get(deviceID); ok {
		delete(d.peerIPs, rec.(PeerRecord).Info.IPAddress)
	}
	d.peers.Delete(deviceID)
}

// Snapshot returns the current peer table.
func (d *Discovery) Snapshot() []PeerRecord {
	items := d.peers.Items()
	out := make([]PeerRecord, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(PeerRecord))
	}
	return out
}

func (d *Discovery) publishSnapshot() {
	select {
	case d.updates <- d.Snapshot():
	default:
		log.Warn("peer snapshot dropped, subscriber too slow")
	}
}

func (d *Discovery) announceLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.broadcast(MsgAnnounce, nil, nil)
		}
	}
}

func (d *Discovery) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ItemCount still counts expired-but-undeleted entries, so a
			// difference across DeleteExpired means this sweep removed peers.
			before := d.peers.ItemCount()
			d.peers.DeleteExpired()
			after := d.peers.ItemCount()
			if before != after {
				d.publishSnapshot()
			}
		}
	}
}

func (d *Discovery) broadcast(t MessageType, req *ConnectionRequestPayload, resp *ConnectionResponsePayload) {
	msg := wireMessage{Type: t, Device: d.self, Timestamp: time.Now().Unix(), Request: req, Response: resp}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn("failed to marshal discovery message", "error", err)
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.port}
	if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
		log.Warn("broadcast failed", "type", t, "error", err)
	}
}

func (d *Discovery) unicastResponse(to *net.UDPAddr) {
	msg := wireMessage{Type: MsgResponse, Device: d.self, Timestamp: time.Now().Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := d.conn.WriteToUDP(payload, to); err != nil {
		log.Warn("unicast response failed", "to", to.String(), "error", err)
	}
}

// SendConnectionRequest broadcasts a ConnectionRequest, used when a viewer
// only knows a target's discovery presence rather than its direct address.
func (d *Discovery) SendConnectionRequest(req ConnectionRequestPayload) {
	d.broadcast(MsgConnectionRequest, &req, nil)
}
