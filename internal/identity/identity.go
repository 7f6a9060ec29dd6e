// Package identity allocates and tracks the short numeric connection ids
// hosts present to viewers (e.g. "4821930"), independent of any
// long-lived device identity kept in configuration.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("identity")

const (
	minID       = 1_000_000
	maxID       = 10_000_000 // exclusive
	maxAttempts = 1000
)

// ErrExhausted is returned when no unused id could be found within maxAttempts.
var ErrExhausted = fmt.Errorf("identity: no unused connection id found after %d attempts", maxAttempts)

// ErrNotFound is returned when releasing or looking up an id not currently in use.
var ErrNotFound = fmt.Errorf("identity: connection id not in use")

// ErrMalformed is returned when a candidate string does not parse to a valid id.
var ErrMalformed = fmt.Errorf("identity: malformed connection id")

// Allocator mints and reclaims 7-digit numeric connection ids, and maps
// each one to an opaque session handle (e.g. a session or connection UUID).
type Allocator struct {
	mu       sync.Mutex
	used     map[uint32]string // numeric id -> session handle
	sessions map[string]uint32 // session handle -> numeric id
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		used:     make(map[uint32]string),
		sessions: make(map[string]uint32),
	}
}

// Allocate reject-samples a 7-digit id in [1000000, 10000000) that is not
// currently in use, registers it against session, and returns it formatted
// as a bare 7-digit decimal string.
func (a *Allocator) Allocate(session string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomID()
		if err != nil {
			return "", err
		}
		if _, taken := a.used[candidate]; taken {
			continue
		}
		a.used[candidate] = session
		a.sessions[session] = candidate
		formatted := Format(candidate)
		log.Info("connection id allocated", "connection_id", formatted, "attempts", attempt+1)
		return formatted, nil
	}
	return "", ErrExhausted
}

// Release frees the numeric id bound to session, if any.
func (a *Allocator) Release(session string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.sessions[session]
	if !ok {
		return ErrNotFound
	}
	delete(a.sessions, session)
	delete(a.used, id)
	return nil
}

// SessionByID returns the session handle bound to the numeric id in raw,
// which may be formatted with spaces or hyphens.
func (a *Allocator) SessionByID(raw string) (string, error) {
	id, err := Parse(raw)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	session, ok := a.used[id]
	if !ok {
		return "", ErrNotFound
	}
	return session, nil
}

// InUse reports whether the given id (raw, possibly formatted) is currently allocated.
func (a *Allocator) InUse(raw string) bool {
	id, err := Parse(raw)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.used[id]
	return ok
}

// ActiveIDs returns all currently-allocated ids, formatted.
func (a *Allocator) ActiveIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.used))
	for id := range a.used {
		out = append(out, Format(id))
	}
	return out
}

func randomID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("identity: reading random bytes: %w", err)
	}
	span := uint32(maxID - minID)
	return minID + (binary.BigEndian.Uint32(buf[:]) % span), nil
}

// Format renders a numeric id as a bare 7-digit decimal string, with no
// separators.
func Format(id uint32) string {
	return fmt.Sprintf("%07d", id)
}

// Parse strips spaces and hyphens and validates that the remainder is
// exactly 7 ASCII digits, returning the numeric id.
func Parse(raw string) (uint32, error) {
	stripped := strings.NewReplacer(" ", "", "-", "").Replace(raw)
	if len(stripped) != 7 {
		return 0, ErrMalformed
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return 0, ErrMalformed
		}
	}
	var id uint32
	for _, r := range stripped {
		id = id*10 + uint32(r-'0')
	}
	if id < minID || id >= maxID {
		return 0, ErrMalformed
	}
	return id, nil
}

// Valid reports whether raw parses to a well-formed connection id.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}
