// Package inputapply translates abstract mouse and keyboard events into
// calls on a platform-specific injection adapter. The adapter itself
// (DXGI/SendInput, CGEvent, X11, ...) is out of scope here; this package
// owns smoothing, click/drag bookkeeping, double-click coalescing, and the
// permission gate every event must clear before it reaches the adapter.
package inputapply

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("inputapply")

// Button identifies a mouse button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// ErrUnknownKey is returned for a key symbol Apply cannot resolve.
var ErrUnknownKey = fmt.Errorf("inputapply: unknown key symbol")

// Adapter performs OS-level input injection. A platform build supplies a
// concrete implementation; it is never constructed here.
type Adapter interface {
	MoveTo(x, y int) error
	ButtonDown(button Button) error
	ButtonUp(button Button) error
	Scroll(ticks int) error
	KeyDown(vk string) error
	KeyUp(vk string) error
	TypeText(text string) error
}

// PermissionChecker gates every event. *permissions.Store does not satisfy
// it directly (its Check takes a permissions.Capability); cmd/meridian-host
// wraps it in an adapter.
type PermissionChecker interface {
	Check(connectionID string, capability string) bool
}

const inputControlCapability = "InputControl"

// Config tunes the smoothing/coalescing behavior.
type Config struct {
	SmoothingEnabled bool
	KeyRepeatDelay   time.Duration // used by Press's Down-wait-Up
	DoubleClickSpeedMs int
}

type dragState struct {
	button   Button
	startX   int
	startY   int
	curX     int
	curY     int
	active   bool
}

type clickHistory struct {
	at time.Time
	x  int
	y  int
}

// Applier owns per-connection last-position, drag, and click-history state
// needed to reconstruct double-clicks and drags from discrete events.
type Applier struct {
	adapter Adapter
	perms   PermissionChecker
	cfg     Config

	mu         sync.Mutex
	lastX      int
	lastY      int
	drag       map[Button]*dragState
	lastClicks map[Button]clickHistory

	dropped int
}

// New returns an Applier driving adapter, gated by perms.
func New(adapter Adapter, perms PermissionChecker, cfg Config) *Applier {
	if cfg.KeyRepeatDelay <= 0 {
		cfg.KeyRepeatDelay = 30 * time.Millisecond
	}
	if cfg.DoubleClickSpeedMs <= 0 {
		cfg.DoubleClickSpeedMs = 500
	}
	return &Applier{
		adapter:    adapter,
		perms:      perms,
		cfg:        cfg,
		drag:       make(map[Button]*dragState),
		lastClicks: make(map[Button]clickHistory),
	}
}

// DroppedCount returns the number of events dropped by the permission gate.
func (a *Applier) DroppedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Applier) gated(connectionID string) bool {
	if a.perms != nil && !a.perms.Check(connectionID, inputControlCapability) {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		return true
	}
	return false
}

// Move relocates the cursor, smoothing along a straight line when enabled.
func (a *Applier) Move(connectionID string, x, y int) error {
	if a.gated(connectionID) {
		return nil
	}

	a.mu.Lock()
	fromX, fromY := a.lastX, a.lastY
	a.mu.Unlock()

	if !a.cfg.SmoothingEnabled {
		if err := a.adapter.MoveTo(x, y); err != nil {
			return err
		}
		a.setLast(x, y)
		return nil
	}

	dx, dy := float64(x-fromX), float64(y-fromY)
	dist := math.Hypot(dx, dy)
	steps := int(math.Ceil(dist / 10))
	if steps < 1 {
		steps = 1
	}

	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		sx := fromX + int(math.Round(dx*frac))
		sy := fromY + int(math.Round(dy*frac))
		if err := a.adapter.MoveTo(sx, sy); err != nil {
			return err
		}
		if i < steps {
			time.Sleep(time.Millisecond)
		}
	}
	a.setLast(x, y)
	return nil
}

func (a *Applier) setLast(x, y int) {
	a.mu.Lock()
	a.lastX, a.lastY = x, y
	a.mu.Unlock()
}

// Press moves to (x, y) then presses button, tracking drag state.
func (a *Applier) Press(connectionID string, x, y int, button Button) error {
	if a.gated(connectionID) {
		return nil
	}
	if err := a.adapter.MoveTo(x, y); err != nil {
		return err
	}
	a.setLast(x, y)
	if err := a.adapter.ButtonDown(button); err != nil {
		return err
	}

	a.mu.Lock()
	a.drag[button] = &dragState{button: button, startX: x, startY: y, curX: x, curY: y, active: true}
	a.mu.Unlock()
	return nil
}

// Release moves to (x, y) then releases button, clearing any drag state for
// the same button and detecting synthetic double-clicks.
func (a *Applier) Release(connectionID string, x, y int, button Button) (doubleClick bool, err error) {
	if a.gated(connectionID) {
		return false, nil
	}
	if err := a.adapter.MoveTo(x, y); err != nil {
		return false, err
	}
	a.setLast(x, y)
	if err := a.adapter.ButtonUp(button); err != nil {
		return false, err
	}

	a.mu.Lock()
	delete(a.drag, button)
	now := time.Now()
	prev, had := a.lastClicks[button]
	a.lastClicks[button] = clickHistory{at: now, x: x, y: y}
	a.mu.Unlock()

	if had {
		elapsed := now.Sub(prev.at)
		ddx, ddy := x-prev.x, y-prev.y
		sqDist := ddx*ddx + ddy*ddy
		if elapsed <= time.Duration(a.cfg.DoubleClickSpeedMs)*time.Millisecond && sqDist < 25 {
			doubleClick = true
		}
	}
	return doubleClick, nil
}

// Click is Press then Release separated by 50 ms.
func (a *Applier) Click(connectionID string, x, y int, button Button) (doubleClick bool, err error) {
	if err := a.Press(connectionID, x, y, button); err != nil {
		return false, err
	}
	time.Sleep(50 * time.Millisecond)
	return a.Release(connectionID, x, y, button)
}

// Drag records a position update for an in-progress drag of button.
func (a *Applier) Drag(connectionID string, x, y int, button Button) error {
	if a.gated(connectionID) {
		return nil
	}
	a.mu.Lock()
	st, ok := a.drag[button]
	if ok {
		st.curX, st.curY = x, y
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.adapter.MoveTo(x, y); err != nil {
		return err
	}
	a.setLast(x, y)
	return nil
}

// Scroll normalizes delta to +/-3 ticks before forwarding to the adapter.
func (a *Applier) Scroll(connectionID string, delta int) error {
	if a.gated(connectionID) {
		return nil
	}
	ticks := normalizeScroll(delta)
	return a.adapter.Scroll(ticks)
}

func normalizeScroll(delta int) int {
	if delta == 0 {
		return 0
	}
	ticks := delta
	if ticks > 3 {
		ticks = 3
	}
	if ticks < -3 {
		ticks = -3
	}
	return ticks
}

// modifierKeys maps modifier names to their virtual key symbols.
var modifierKeys = map[string]string{
	"ctrl":  "Control",
	"alt":   "Alt",
	"shift": "Shift",
	"meta":  "Meta",
}

// KeyDown presses modifiers then key.
func (a *Applier) KeyDown(connectionID string, key string, modifiers []string) error {
	if a.gated(connectionID) {
		return nil
	}
	for _, m := range modifiers {
		if vk, ok := modifierKeys[m]; ok {
			if err := a.adapter.KeyDown(vk); err != nil {
				return err
			}
		}
	}
	vk, err := resolveKey(key)
	if err != nil {
		return err
	}
	return a.adapter.KeyDown(vk)
}

// KeyUp releases key (modifiers are released by their own KeyUp calls).
func (a *Applier) KeyUp(connectionID string, key string) error {
	if a.gated(connectionID) {
		return nil
	}
	vk, err := resolveKey(key)
	if err != nil {
		return err
	}
	return a.adapter.KeyUp(vk)
}

// KeyPress is modifiers-down, Down-wait(key_repeat_delay)-Up, modifiers-up.
func (a *Applier) KeyPress(connectionID string, key string, modifiers []string) error {
	if a.gated(connectionID) {
		return nil
	}
	for _, m := range modifiers {
		if vk, ok := modifierKeys[m]; ok {
			if err := a.adapter.KeyDown(vk); err != nil {
				return err
			}
		}
	}

	vk, err := resolveKey(key)
	if err != nil {
		return err
	}
	if err := a.adapter.KeyDown(vk); err != nil {
		return err
	}
	time.Sleep(a.cfg.KeyRepeatDelay)
	if err := a.adapter.KeyUp(vk); err != nil {
		return err
	}

	for i := len(modifiers) - 1; i >= 0; i-- {
		if vk, ok := modifierKeys[modifiers[i]]; ok {
			if err := a.adapter.KeyUp(vk); err != nil {
				return err
			}
		}
	}
	return nil
}

// TextInput types text verbatim.
func (a *Applier) TextInput(connectionID string, text string) error {
	if a.gated(connectionID) {
		return nil
	}
	return a.adapter.TypeText(text)
}

// Wire event type strings. The spec's Kind enumerations overlap across
// devices ("Press" means a mouse button going down, or a key tapped and
// released), so the wire type encodes device and kind together in one
// string, same as the desktop input handler's own event type field.
const (
	EventMouseMove    = "mouse_move"
	EventMousePress   = "mouse_press"
	EventMouseRelease = "mouse_release"
	EventMouseClick   = "mouse_click"
	EventMouseDrag    = "mouse_drag"
	EventMouseScroll  = "mouse_scroll"
	EventKeyDown      = "key_down"
	EventKeyUp        = "key_up"
	EventKeyPress     = "key_press"
	EventTextInput    = "text_input"
)

// WireEvent is the JSON payload carried by a transport InputEvent envelope.
type WireEvent struct {
	Type        string   `json:"type"`
	X           int      `json:"x,omitempty"`
	Y           int      `json:"y,omitempty"`
	Button      string   `json:"button,omitempty"`
	ScrollDelta int      `json:"scroll_delta,omitempty"`
	KeySymbol   string   `json:"key_symbol,omitempty"`
	Text        string   `json:"text,omitempty"`
	Modifiers   []string `json:"modifier_set,omitempty"`
}

// Dispatch decodes raw as a WireEvent and drives the matching Applier call.
// connectionID still goes through the same permission gate as every direct
// caller; Dispatch is just a decoding front door, not a second gate.
func (a *Applier) Dispatch(connectionID string, raw json.RawMessage) error {
	var ev WireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("inputapply: decode wire event: %w", err)
	}

	btn := Button(ev.Button)
	if btn == "" {
		btn = ButtonLeft
	}

	switch ev.Type {
	case EventMouseMove:
		return a.Move(connectionID, ev.X, ev.Y)
	case EventMousePress:
		return a.Press(connectionID, ev.X, ev.Y, btn)
	case EventMouseRelease:
		_, err := a.Release(connectionID, ev.X, ev.Y, btn)
		return err
	case EventMouseClick:
		_, err := a.Click(connectionID, ev.X, ev.Y, btn)
		return err
	case EventMouseDrag:
		return a.Drag(connectionID, ev.X, ev.Y, btn)
	case EventMouseScroll:
		return a.Scroll(connectionID, ev.ScrollDelta)
	case EventKeyDown:
		return a.KeyDown(connectionID, ev.KeySymbol, ev.Modifiers)
	case EventKeyUp:
		return a.KeyUp(connectionID, ev.KeySymbol)
	case EventKeyPress:
		return a.KeyPress(connectionID, ev.KeySymbol, ev.Modifiers)
	case EventTextInput:
		return a.TextInput(connectionID, ev.Text)
	default:
		log.Warn("dropping wire event with unknown type", "type", ev.Type)
		return nil
	}
}

func resolveKey(symbol string) (string, error) {
	if utf8.RuneCountInString(symbol) == 1 {
		return symbol, nil
	}
	if vk, ok := modifierKeys[symbol]; ok {
		return vk, nil
	}
	if _, ok := namedKeys[symbol]; ok {
		return symbol, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, symbol)
}

// namedKeys are multi-character symbols recognized beyond single runes.
var namedKeys = map[string]struct{}{
	"Enter": {}, "Escape": {}, "Backspace": {}, "Tab": {}, "Space": {},
	"ArrowUp": {}, "ArrowDown": {}, "ArrowLeft": {}, "ArrowRight": {},
	"F1": {}, "F2": {}, "F3": {}, "F4": {}, "F5": {}, "F6": {},
	"F7": {}, "F8": {}, "F9": {}, "F10": {}, "F11": {}, "F12": {},
	"Control": {}, "Alt": {}, "Shift": {}, "Meta": {}, "CapsLock": {}, "Delete": {},
}
