// Package arbiter is the single normative implementation of incoming
// connection-request arbitration: a pending set with a TTL sweeper, plus
// the whitelist and concurrency-limit fast paths that gate entry into it.
package arbiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/meridian-rdp/engine/internal/discovery"
	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("arbiter")

const (
	requestTTL    = 60 * time.Second
	sweepInterval = 30 * time.Second
)

// ErrUnknown is returned by respond/cancel for a request_id not pending.
var ErrUnknown = fmt.Errorf("arbiter: unknown request")

// ErrTooManyConnections is returned by CreateIncoming when the permission
// store already holds max_concurrent_connections active grants.
var ErrTooManyConnections = fmt.Errorf("arbiter: too many concurrent connections")

// OutcomeKind distinguishes how a request was resolved.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	Denied
	Expired
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Outcome is published exactly once per request_id.
type Outcome struct {
	RequestID string
	Kind      OutcomeKind
	Caps      []string
	Duration  time.Duration
	Reason    string
}

// RequesterInfo identifies who is asking for a connection.
type RequesterInfo struct {
	DeviceID string
	Name     string
	Addr     string
}

// Request is a pending incoming connection request.
type Request struct {
	ID           string
	Requester    RequesterInfo
	Capabilities []string
	Message      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// PermissionLimiter reports the current active-grant count, used for the
// concurrency-limit check. Implemented by *permissions.Store.
type PermissionLimiter interface {
	ActiveCount() int
}

// WhitelistChecker reports whether a requester matches the configured
// whitelist fast-path.
type WhitelistChecker func(deviceID string) bool

// Config configures arbitration policy.
type Config struct {
	MaxConcurrentConnections int
	EnableWhitelist          bool
	IsWhitelisted            WhitelistChecker
	DefaultGrantDuration     time.Duration
	DefaultGrantCaps         []string
}

// Arbiter holds pending requests and publishes resolution outcomes.
type Arbiter struct {
	cfg   Config
	perms PermissionLimiter

	mu      sync.Mutex
	pending map[string]Request
	nextSeq uint64

	outcomes chan Outcome
	incoming chan Request

	stopOnce sync.Once
	cancel   chan struct{}
	wg       sync.WaitGroup
}

// New returns an Arbiter. perms is consulted for the concurrency-limit check.
func New(cfg Config, perms PermissionLimiter) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		perms:    perms,
		pending:  make(map[string]Request),
		outcomes: make(chan Outcome, 16),
		incoming: make(chan Request, 16),
		cancel:   make(chan struct{}),
	}
}

// Outcomes publishes exactly one Outcome per resolved request_id.
func (a *Arbiter) Outcomes() <-chan Outcome { return a.outcomes }

// Incoming publishes a Request for every newly created incoming request
// that entered the Pending set (the whitelist fast-path bypasses this).
func (a *Arbiter) Incoming() <-chan Request { return a.incoming }

// Start launches the expiry sweeper.
func (a *Arbiter) Start() {
	a.wg.Add(1)
	go a.sweepLoop()
}

// Stop halts the sweeper. Idempotent.
func (a *Arbiter) Stop() {
	a.stopOnce.Do(func() {
		close(a.cancel)
		a.wg.Wait()
	})
}

// CreateIncoming records a new request and returns its id, unless the
// concurrency limit is exceeded or the requester matches the whitelist
// fast-path (in which case no Pending entry is created).
func (a *Arbiter) CreateIncoming(requester RequesterInfo, caps []string, message string) (string, error) {
	if a.perms != nil && a.cfg.MaxConcurrentConnections > 0 && a.perms.ActiveCount() >= a.cfg.MaxConcurrentConnections {
		return "", ErrTooManyConnections
	}

	if a.cfg.EnableWhitelist && a.cfg.IsWhitelisted != nil && a.cfg.IsWhitelisted(requester.DeviceID) {
		id := a.mintID()
		logging.WithRequest(log, id, "connection_request").Info("whitelisted requester auto-accepted", "device_id", requester.DeviceID)
		a.publishOutcome(Outcome{
			RequestID: id,
			Kind:      Accepted,
			Caps:      a.cfg.DefaultGrantCaps,
			Duration:  a.cfg.DefaultGrantDuration,
		})
		return id, nil
	}

	id := a.mintID()
	now := time.Now()
	req := Request{
		ID:           id,
		Requester:    requester,
		Capabilities: caps,
		Message:      message,
		CreatedAt:    now,
		ExpiresAt:    now.Add(requestTTL),
	}

	reqLog := logging.WithRequest(log, id, "connection_request")

	a.mu.Lock()
	a.pending[id] = req
	a.mu.Unlock()
	reqLog.Info("connection request pending", "device_id", requester.DeviceID, "expires_at", req.ExpiresAt)

	select {
	case a.incoming <- req:
	default:
		reqLog.Warn("incoming request event dropped, subscriber too slow")
	}

	return id, nil
}

func (a *Arbiter) mintID() string {
	a.mu.Lock()
	a.nextSeq++
	seq := a.nextSeq
	a.mu.Unlock()
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), seq)
}

// Respond resolves a pending request exactly once.
func (a *Arbiter) Respond(requestID string, outcome Outcome) error {
	a.mu.Lock()
	_, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()

	if !ok {
		return ErrUnknown
	}

	outcome.RequestID = requestID
	a.publishOutcome(outcome)
	return nil
}

// Cancel is a unilateral removal by the requester side; it does not publish
// an outcome since no decision was made.
func (a *Arbiter) Cancel(requestID string) error {
	a.mu.Lock()
	_, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return ErrUnknown
	}
	return nil
}

// Pending returns the current pending request IDs.
func (a *Arbiter) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	return ids
}

func (a *Arbiter) publishOutcome(o Outcome) {
	select {
	case a.outcomes <- o:
	default:
		log.Warn("outcome event dropped, subscriber too slow", "request_id", o.RequestID)
	}
}

func (a *Arbiter) sweepLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.cancel:
			return
		case <-ticker.C:
			a.evictExpired()
		}
	}
}

func (a *Arbiter) evictExpired() {
	now := time.Now()
	var expired []string

	a.mu.Lock()
	for id, req := range a.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, id)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	for _, id := range expired {
		a.publishOutcome(Outcome{RequestID: id, Kind: Expired})
	}
}

// HandleIncoming implements discovery.RequestSink, letting a
// ConnectionRequest arriving over LAN discovery enter the same arbiter as
// one arriving over the P2P/relay transport. A single normative path:
// nothing duplicates this logic elsewhere.
func (a *Arbiter) HandleIncoming(requesterAddr string, req discovery.ConnectionRequestPayload) error {
	_, err := a.CreateIncoming(RequesterInfo{DeviceID: req.RequesterDeviceID, Name: req.RequesterName, Addr: requesterAddr}, req.RequestedCapabilities, req.Message)
	return err
}
