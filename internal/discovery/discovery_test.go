package discovery

import (
	"net"
	"testing"
)

func newTestDiscovery() *Discovery {
	self := DeviceInfo{DeviceID: "self-id", DeviceName: "self", IPAddress: "10.0.0.1"}
	return New(self, 0, nil)
}

func TestIsSelfByDeviceID(t *testing.T) {
	d := newTestDiscovery()
	remote := DeviceInfo{DeviceID: "self-id"}
	if !d.isSelf(remote, "10.0.0.99") {
		t.Fatal("expected self-message detected by device id")
	}
}

func TestIsSelfByIP(t *testing.T) {
	d := newTestDiscovery()
	remote := DeviceInfo{DeviceID: "other-id"}
	if !d.isSelf(remote, "10.0.0.1") {
		t.Fatal("expected self-message detected by advertised ip")
	}
}

func TestIsSelfFalseForDistinctPeer(t *testing.T) {
	d := newTestDiscovery()
	remote := DeviceInfo{DeviceID: "other-id"}
	if d.isSelf(remote, "10.0.0.50") {
		t.Fatal("expected distinct peer not to be flagged as self")
	}
}

func TestUpsertPeerAddsRecord(t *testing.T) {
	d := newTestDiscovery()
	info := DeviceInfo{DeviceID: "peer-1", IPAddress: "10.0.0.2"}
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 7879}
	d.upsertPeer(info, addr)

	snap := d.Snapshot()
	if len(snap) != 1 || snap[0].Info.DeviceID != "peer-1" {
		t.Fatalf("expected one peer record for peer-1, got %+v", snap)
	}
}

func TestUpsertPeerDuplicateIPNewestWins(t *testing.T) {
	d := newTestDiscovery()
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 7879}

	d.upsertPeer(DeviceInfo{DeviceID: "peer-old", IPAddress: "10.0.0.2"}, addr)
	d.upsertPeer(DeviceInfo{DeviceID: "peer-new", IPAddress: "10.0.0.2"}, addr)

	snap := d.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one record for the shared IP, got %d", len(snap))
	}
	if snap[0].Info.DeviceID != "peer-new" {
		t.Fatalf("expected newest record to win, got %s", snap[0].Info.DeviceID)
	}
}

func TestRemovePeerDeletesRecord(t *testing.T) {
	d := newTestDiscovery()
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 7879}
	d.upsertPeer(DeviceInfo{DeviceID: "peer-1", IPAddress: "10.0.0.2"}, addr)
	d.removePeer("peer-1")

	if len(d.Snapshot()) != 0 {
		t.Fatal("expected peer table to be empty after removal")
	}
}
