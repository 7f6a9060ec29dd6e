package permissions

import (
	"testing"
	"time"
)

func TestGrantThenCheck(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView}, time.Minute)

	if !s.Check("c1", ScreenView) {
		t.Fatal("expected ScreenView to be granted")
	}
	if s.Check("c1", InputControl) {
		t.Fatal("expected InputControl to be absent from the grant")
	}
}

func TestCheckFalseForUnknownConnection(t *testing.T) {
	s := New(DefaultConfig())
	if s.Check("nobody", ScreenView) {
		t.Fatal("expected false for a connection with no grant")
	}
}

func TestCheckFalseAfterExpiry(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if s.Check("c1", ScreenView) {
		t.Fatal("expected false after grant expiry")
	}
}

func TestSecondGrantReplacesFirst(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView}, time.Minute)
	s.Grant("c1", []Capability{InputControl}, time.Minute)

	if s.Check("c1", ScreenView) {
		t.Fatal("expected the first grant's capability to be gone")
	}
	if !s.Check("c1", InputControl) {
		t.Fatal("expected the second grant's capability to be present")
	}
}

func TestRevokeAllCapsRemovesGrant(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView, InputControl}, time.Minute)
	s.Revoke("c1", nil)

	if s.Check("c1", ScreenView) || s.Check("c1", InputControl) {
		t.Fatal("expected both capabilities to be revoked")
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != PermissionRevoked || ev.ConnectionID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PermissionRevoked event")
	}
}

func TestRevokeSingleCapLeavesOthers(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView, InputControl}, time.Minute)
	s.Revoke("c1", []Capability{InputControl})

	if !s.Check("c1", ScreenView) {
		t.Fatal("expected ScreenView to remain granted")
	}
	if s.Check("c1", InputControl) {
		t.Fatal("expected InputControl to be revoked")
	}
}

func TestActiveExcludesExpired(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView}, time.Minute)
	s.Grant("c2", []Capability{ScreenView}, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	active := s.Active()
	if len(active) != 1 || active[0] != "c1" {
		t.Fatalf("expected only c1 active, got %v", active)
	}
}

func TestEvictExpiredPublishesExpiredEvent(t *testing.T) {
	s := New(DefaultConfig())
	s.Grant("c1", []Capability{ScreenView}, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	s.evictExpired()

	select {
	case ev := <-s.Events():
		if ev.Kind != PermissionExpired || ev.ConnectionID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PermissionExpired event")
	}
}

func TestUngatedCapabilityIsOpenWithoutGrant(t *testing.T) {
	s := New(Config{RequirePermissionForScreenView: false, RequirePermissionForInputControl: true})
	if !s.Check("nobody", ScreenView) {
		t.Fatal("expected ScreenView to be open when its gate is disabled")
	}
	if s.Check("nobody", InputControl) {
		t.Fatal("expected InputControl to still require a grant")
	}
}
