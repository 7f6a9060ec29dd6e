package metrics

import (
	"testing"
	"time"
)

func TestWriteConnectionRaisesBandwidthAlert(t *testing.T) {
	r := New(Thresholds{MaxBandwidthMbps: 5.0})
	r.WriteConnection("c1", map[string]float64{"bandwidth_mbps": 10.0})

	select {
	case a := <-r.Alerts():
		if a.Type != AlertBandwidthHigh || a.ConnectionID != "c1" {
			t.Fatalf("unexpected alert: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a bandwidth alert")
	}
}

func TestWriteConnectionBelowThresholdRaisesNothing(t *testing.T) {
	r := New(Thresholds{MaxBandwidthMbps: 5.0})
	r.WriteConnection("c1", map[string]float64{"bandwidth_mbps": 1.0})

	select {
	case a := <-r.Alerts():
		t.Fatalf("unexpected alert: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAlertDeduplicationWithinWindow(t *testing.T) {
	r := New(Thresholds{MaxBandwidthMbps: 5.0})
	r.WriteConnection("c1", map[string]float64{"bandwidth_mbps": 10.0})
	r.WriteConnection("c1", map[string]float64{"bandwidth_mbps": 12.0})

	<-r.Alerts() // first alert
	select {
	case a := <-r.Alerts():
		t.Fatalf("expected the second violation to be deduplicated, got %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcknowledgeThenClearRemovesAlert(t *testing.T) {
	r := New(Thresholds{MaxBandwidthMbps: 5.0})
	r.WriteConnection("c1", map[string]float64{"bandwidth_mbps": 10.0})
	<-r.Alerts()

	if len(r.ActiveAlerts()) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(r.ActiveAlerts()))
	}

	r.Acknowledge(AlertBandwidthHigh, "c1")
	r.ClearAcknowledged()

	if len(r.ActiveAlerts()) != 0 {
		t.Fatalf("expected 0 active alerts after clear, got %d", len(r.ActiveAlerts()))
	}
}

func TestConnectionHistoryReturnsWrittenRing(t *testing.T) {
	r := New(Thresholds{})
	r.WriteConnection("c1", map[string]float64{"fps": 30})

	ring := r.ConnectionHistory("c1")
	if ring == nil {
		t.Fatal("expected a ring for c1")
	}
	latest, ok := ring.Latest()
	if !ok || latest.Fields["fps"] != 30 {
		t.Fatalf("unexpected latest sample: %+v", latest)
	}
}
