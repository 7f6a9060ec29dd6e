package inputapply

import (
	"testing"
	"time"
)

type fakeAdapter struct {
	moves   [][2]int
	downs   []Button
	ups     []Button
	scrolls []int
	keyDown []string
	keyUp   []string
	typed   []string
}

func (f *fakeAdapter) MoveTo(x, y int) error       { f.moves = append(f.moves, [2]int{x, y}); return nil }
func (f *fakeAdapter) ButtonDown(b Button) error   { f.downs = append(f.downs, b); return nil }
func (f *fakeAdapter) ButtonUp(b Button) error     { f.ups = append(f.ups, b); return nil }
func (f *fakeAdapter) Scroll(ticks int) error      { f.scrolls = append(f.scrolls, ticks); return nil }
func (f *fakeAdapter) KeyDown(vk string) error     { f.keyDown = append(f.keyDown, vk); return nil }
func (f *fakeAdapter) KeyUp(vk string) error       { f.keyUp = append(f.keyUp, vk); return nil }
func (f *fakeAdapter) TypeText(text string) error  { f.typed = append(f.typed, text); return nil }

type allowAll struct{}

func (allowAll) Check(connectionID string, capability string) bool { return true }

type denyAll struct{}

func (denyAll) Check(connectionID string, capability string) bool { return false }

func TestMoveWithoutSmoothingIsSingleCall(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{SmoothingEnabled: false})

	if err := a.Move("c1", 100, 100); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(ad.moves) != 1 || ad.moves[0] != [2]int{100, 100} {
		t.Fatalf("expected a single move call, got %v", ad.moves)
	}
}

func TestMoveWithSmoothingStepsByDistance(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{SmoothingEnabled: true})

	// distance 100 along x -> ceil(100/10) = 10 steps
	if err := a.Move("c1", 100, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(ad.moves) != 10 {
		t.Fatalf("expected 10 smoothing steps, got %d", len(ad.moves))
	}
	last := ad.moves[len(ad.moves)-1]
	if last != [2]int{100, 0} {
		t.Fatalf("expected final step to reach target, got %v", last)
	}
}

func TestClickIsPressThenRelease(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{})

	start := time.Now()
	if _, err := a.Click("c1", 10, 10, ButtonLeft); err != nil {
		t.Fatalf("click: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("expected click to take at least 50ms between press and release")
	}
	if len(ad.downs) != 1 || len(ad.ups) != 1 {
		t.Fatalf("expected one down and one up, got downs=%v ups=%v", ad.downs, ad.ups)
	}
}

func TestDoubleClickCoalescing(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{DoubleClickSpeedMs: 500})

	if _, err := a.Click("c1", 100, 100, ButtonLeft); err != nil {
		t.Fatalf("first click: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	double, err := a.Click("c1", 100, 100, ButtonLeft)
	if err != nil {
		t.Fatalf("second click: %v", err)
	}
	if !double {
		t.Fatal("expected the second click to coalesce into a double-click")
	}
}

func TestDoubleClickRequiresProximity(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{DoubleClickSpeedMs: 500})

	a.Click("c1", 100, 100, ButtonLeft)
	time.Sleep(50 * time.Millisecond)
	double, _ := a.Click("c1", 200, 200, ButtonLeft)
	if double {
		t.Fatal("expected clicks far apart not to coalesce")
	}
}

func TestScrollNormalizesToThreeTicks(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{})

	a.Scroll("c1", 50)
	a.Scroll("c1", -50)
	a.Scroll("c1", 1)

	want := []int{3, -3, 1}
	for i, w := range want {
		if ad.scrolls[i] != w {
			t.Fatalf("scroll[%d] = %d, want %d", i, ad.scrolls[i], w)
		}
	}
}

func TestKeyPressIsDownWaitUp(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{KeyRepeatDelay: 10 * time.Millisecond})

	if err := a.KeyPress("c1", "a", nil); err != nil {
		t.Fatalf("key press: %v", err)
	}
	if len(ad.keyDown) != 1 || len(ad.keyUp) != 1 {
		t.Fatalf("expected one down and one up, got down=%v up=%v", ad.keyDown, ad.keyUp)
	}
}

func TestKeyPressWithModifiersOrdersCorrectly(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{KeyRepeatDelay: time.Millisecond})

	if err := a.KeyPress("c1", "c", []string{"ctrl"}); err != nil {
		t.Fatalf("key press: %v", err)
	}
	if len(ad.keyDown) != 2 || ad.keyDown[0] != "Control" || ad.keyDown[1] != "c" {
		t.Fatalf("unexpected key down order: %v", ad.keyDown)
	}
	if len(ad.keyUp) != 2 || ad.keyUp[0] != "c" || ad.keyUp[1] != "Control" {
		t.Fatalf("unexpected key up order: %v", ad.keyUp)
	}
}

func TestUnknownMultiCharKeyFails(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{})

	if err := a.KeyDown("c1", "NotARealKey", nil); err == nil {
		t.Fatal("expected an error for an unrecognized multi-character key symbol")
	}
}

func TestSingleCharUnknownSymbolIsLiteral(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{})

	if err := a.KeyDown("c1", "$", nil); err != nil {
		t.Fatalf("expected single-rune symbols to be treated as literal characters: %v", err)
	}
}

func TestDeniedEventsAreDroppedAndCounted(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, denyAll{}, Config{})

	a.Move("c1", 10, 10)
	a.Scroll("c1", 1)
	if len(ad.moves) != 0 || len(ad.scrolls) != 0 {
		t.Fatal("expected denied events never to reach the adapter")
	}
	if a.DroppedCount() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", a.DroppedCount())
	}
}

func TestTextInputTypesVerbatim(t *testing.T) {
	ad := &fakeAdapter{}
	a := New(ad, allowAll{}, Config{})

	if err := a.TextInput("c1", "hello"); err != nil {
		t.Fatalf("text input: %v", err)
	}
	if len(ad.typed) != 1 || ad.typed[0] != "hello" {
		t.Fatalf("unexpected typed text: %v", ad.typed)
	}
}
