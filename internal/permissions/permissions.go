// Package permissions holds active capability Grants keyed by connection
// id. It answers the gating question every ingress path asks before
// acting on a peer's behalf, and sweeps expired grants independently of
// the Request Arbiter's own TTL housekeeping.
package permissions

import (
	"sync"
	"time"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("permissions")

const sweepInterval = 60 * time.Second

// Capability is a named permission, e.g. ScreenView or InputControl.
type Capability string

const (
	ScreenView    Capability = "ScreenView"
	InputControl  Capability = "InputControl"
	FileTransfer  Capability = "FileTransfer"
)

// EventKind distinguishes the two events the store emits.
type EventKind int

const (
	PermissionExpired EventKind = iota
	PermissionRevoked
)

// Event is published on grant expiry or explicit revocation.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Removed      []Capability
}

type grant struct {
	caps      map[Capability]struct{}
	grantedAt time.Time
	expiresAt time.Time // zero means no expiry
}

// Stats summarizes the store's contents.
type Stats struct {
	ActiveGrants int
	TotalCaps    int
}

// Config controls, per capability, whether Check requires an active grant
// at all. A capability with its gate set to false is open to every caller
// regardless of whether a grant exists — carried from the operator-facing
// require_permission_for_* settings.
type Config struct {
	RequirePermissionForScreenView   bool
	RequirePermissionForInputControl bool
	RequirePermissionForFileTransfer bool
}

// DefaultConfig requires an explicit grant for every known capability.
func DefaultConfig() Config {
	return Config{
		RequirePermissionForScreenView:   true,
		RequirePermissionForInputControl: true,
		RequirePermissionForFileTransfer: true,
	}
}

func (c Config) gated(cap Capability) bool {
	switch cap {
	case ScreenView:
		return c.RequirePermissionForScreenView
	case InputControl:
		return c.RequirePermissionForInputControl
	case FileTransfer:
		return c.RequirePermissionForFileTransfer
	default:
		return true
	}
}

// Store holds Grants keyed by connection_id.
type Store struct {
	cfg    Config
	mu     sync.RWMutex
	grants map[string]grant

	events chan Event

	stopOnce sync.Once
	cancel   chan struct{}
	wg       sync.WaitGroup
}

// New returns an empty Store gated by cfg.
func New(cfg Config) *Store {
	return &Store{
		cfg:    cfg,
		grants: make(map[string]grant),
		events: make(chan Event, 16),
		cancel: make(chan struct{}),
	}
}

// Events publishes PermissionExpired/PermissionRevoked notifications.
func (s *Store) Events() <-chan Event { return s.events }

// Start launches the expiry sweeper.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the sweeper. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.cancel)
		s.wg.Wait()
	})
}

// Grant associates connectionID with caps for duration (zero means no
// expiry). A second Grant for the same connection_id replaces the first;
// no two concurrent grants can exist for one connection_id.
func (s *Store) Grant(connectionID string, caps []Capability, duration time.Duration) {
	now := time.Now()
	g := grant{caps: make(map[Capability]struct{}, len(caps)), grantedAt: now}
	for _, c := range caps {
		g.caps[c] = struct{}{}
	}
	if duration > 0 {
		g.expiresAt = now.Add(duration)
	}

	s.mu.Lock()
	s.grants[connectionID] = g
	s.mu.Unlock()
}

// Check returns true unconditionally if cap's gate is disabled in Config.
// Otherwise it returns false if no grant exists, the grant has expired, or
// the capability is absent from the grant's set.
func (s *Store) Check(connectionID string, cap Capability) bool {
	if !s.cfg.gated(cap) {
		return true
	}
	s.mu.RLock()
	g, ok := s.grants[connectionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !g.expiresAt.IsZero() && time.Now().After(g.expiresAt) {
		return false
	}
	_, has := g.caps[cap]
	return has
}

// Revoke removes caps from connectionID's grant (all caps if caps is nil
// or empty). If removal empties the set, the grant itself is removed.
func (s *Store) Revoke(connectionID string, caps []Capability) {
	s.mu.Lock()
	g, ok := s.grants[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}

	var removed []Capability
	if len(caps) == 0 {
		for c := range g.caps {
			removed = append(removed, c)
		}
		delete(s.grants, connectionID)
	} else {
		for _, c := range caps {
			if _, has := g.caps[c]; has {
				delete(g.caps, c)
				removed = append(removed, c)
			}
		}
		if len(g.caps) == 0 {
			delete(s.grants, connectionID)
		} else {
			s.grants[connectionID] = g
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.publish(Event{Kind: PermissionRevoked, ConnectionID: connectionID, Removed: removed})
	}
}

// Active returns the connection ids with a currently non-expired grant.
func (s *Store) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(s.grants))
	for id, g := range s.grants {
		if g.expiresAt.IsZero() || now.Before(g.expiresAt) {
			out = append(out, id)
		}
	}
	return out
}

// ActiveCount satisfies arbiter.PermissionLimiter.
func (s *Store) ActiveCount() int {
	return len(s.Active())
}

// StatsSnapshot summarizes the store.
func (s *Store) StatsSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	st := Stats{}
	for _, g := range s.grants {
		if !g.expiresAt.IsZero() && now.After(g.expiresAt) {
			continue
		}
		st.ActiveGrants++
		st.TotalCaps += len(g.caps)
	}
	return st
}

func (s *Store) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn("permission event dropped, subscriber too slow", "connection_id", ev.ConnectionID)
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	type removal struct {
		id   string
		caps []Capability
	}
	var removed []removal

	s.mu.Lock()
	for id, g := range s.grants {
		if !g.expiresAt.IsZero() && now.After(g.expiresAt) {
			var caps []Capability
			for c := range g.caps {
				caps = append(caps, c)
			}
			removed = append(removed, removal{id: id, caps: caps})
			delete(s.grants, id)
		}
	}
	s.mu.Unlock()

	for _, r := range removed {
		s.publish(Event{Kind: PermissionExpired, ConnectionID: r.id, Removed: r.caps})
	}
}
