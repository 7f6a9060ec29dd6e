package metrics

import (
	"testing"
	"time"
)

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	r := NewRing(2)
	r.Write(time.Now(), map[string]float64{"v": 1})
	r.Write(time.Now(), map[string]float64{"v": 2})
	r.Write(time.Now(), map[string]float64{"v": 3})

	if r.Len() != 2 {
		t.Fatalf("expected length 2, got %d", r.Len())
	}
	latest, ok := r.Latest()
	if !ok || latest.Fields["v"] != 3 {
		t.Fatalf("expected latest v=3, got %+v", latest)
	}
}

func TestRingSinceFiltersByTime(t *testing.T) {
	r := NewRing(10)
	r.Write(time.Now(), map[string]float64{"v": 1})
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	r.Write(time.Now(), map[string]float64{"v": 2})

	recent := r.Since(cutoff)
	if len(recent) != 1 || recent[0].Fields["v"] != 2 {
		t.Fatalf("expected 1 sample since cutoff, got %+v", recent)
	}
}

func TestRingLatestEmptyIsFalse(t *testing.T) {
	r := NewRing(3)
	if _, ok := r.Latest(); ok {
		t.Fatal("expected no latest sample on an empty ring")
	}
}
