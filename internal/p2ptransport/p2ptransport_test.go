package p2ptransport

import (
	"context"
	"testing"
	"time"
)

func TestServerAcceptsAndExchangesFrames(t *testing.T) {
	srv := NewServer("127.0.0.1:17878", time.Second)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, "127.0.0.1:17878", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var serverConn *Conn
	select {
	case serverConn = <-srv.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	if err := client.SendFrame([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	select {
	case in := <-serverConn.Inbound():
		if len(in.Frame) != 4 || in.Frame[0] != 1 {
			t.Fatalf("unexpected frame payload: %v", in.Frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestServerAcceptsEnvelope(t *testing.T) {
	srv := NewServer("127.0.0.1:17879", time.Second)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, "127.0.0.1:17879", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var serverConn *Conn
	select {
	case serverConn = <-srv.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	if err := client.SendEnvelope(Envelope{ID: "req-1", Type: MsgScreenFrameReq}); err != nil {
		t.Fatalf("send envelope: %v", err)
	}

	select {
	case in := <-serverConn.Inbound():
		if in.Envelope == nil || in.Envelope.Type != MsgScreenFrameReq || in.Envelope.ID != "req-1" {
			t.Fatalf("unexpected envelope: %+v", in.Envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the envelope")
	}
}

func TestHeartbeatsAreFilteredFromInbound(t *testing.T) {
	srv := NewServer("127.0.0.1:17880", 30*time.Millisecond)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, "127.0.0.1:17880", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var serverConn *Conn
	select {
	case serverConn = <-srv.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	accepted := time.Now()

	// Let a few heartbeat rounds elapse; none should appear on Inbound.
	select {
	case in := <-serverConn.Inbound():
		t.Fatalf("unexpected inbound message during heartbeat-only period: %+v", in)
	case <-time.After(150 * time.Millisecond):
	}

	if !serverConn.LastPing().After(accepted) {
		t.Fatal("expected LastPing to have been updated by a heartbeat")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := NewServer("127.0.0.1:17881", time.Second)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, "127.0.0.1:17881", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	client.Close()
	client.Close() // must not panic or block
}
