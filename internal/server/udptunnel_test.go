package server

import (
	"net"
	"testing"
	"time"

	"github.com/nattun/relay/internal/protocol"
)

func newTestUDPConn(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket: %v", err)
	}
	return pc
}

func TestUDPHandler_DatagramInEmitsData(t *testing.T) {
	pc := newTestUDPConn(t)
	outbound := make(chan protocol.Message, 16)

	info := protocol.TunnelInfo{ID: protocol.NewTunnelID(), Protocol: protocol.ProtocolUDP}
	h := newUDPHandler(info, pc, "c1", outbound, make(chan struct{}), 0)
	go h.serve()
	defer h.Stop()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client ListenPacket: %v", err)
	}
	defer client.Close()

	if _, err := client.WriteTo([]byte("ping"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	msg := mustRecv(t, outbound, 2*time.Second)
	data, ok := msg.(protocol.Data)
	if !ok {
		t.Fatalf("got %T, want Data", msg)
	}
	if string(data.Bytes) != "ping" {
		t.Errorf("Data.Bytes = %q, want %q", data.Bytes, "ping")
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", h.ConnectionCount())
	}
}

func TestUDPHandler_Write_RoundTripsToKnownPeer(t *testing.T) {
	pc := newTestUDPConn(t)
	outbound := make(chan protocol.Message, 16)
	info := protocol.TunnelInfo{ID: protocol.NewTunnelID(), Protocol: protocol.ProtocolUDP}
	h := newUDPHandler(info, pc, "c1", outbound, make(chan struct{}), 0)
	go h.serve()
	defer h.Stop()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client ListenPacket: %v", err)
	}
	defer client.Close()

	if _, err := client.WriteTo([]byte("ping"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	data := mustRecv(t, outbound, 2*time.Second).(protocol.Data)

	if !h.Write(data.ConnectionID, []byte("pong")) {
		t.Fatal("Write() = false for a known connection id")
	}

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("got %q, want %q", buf[:n], "pong")
	}
}

func TestUDPHandler_Write_UnknownConnectionReturnsFalse(t *testing.T) {
	pc := newTestUDPConn(t)
	h := newUDPHandler(protocol.TunnelInfo{}, pc, "c1", make(chan protocol.Message, 1), make(chan struct{}), 0)
	defer h.Stop()

	if h.Write(12345, []byte("x")) {
		t.Error("Write() on an unknown connection id should return false")
	}
}

func TestUDPHandler_CloseConnection_ForgetsAddress(t *testing.T) {
	pc := newTestUDPConn(t)
	outbound := make(chan protocol.Message, 16)
	h := newUDPHandler(protocol.TunnelInfo{ID: protocol.NewTunnelID()}, pc, "c1", outbound, make(chan struct{}), 0)
	go h.serve()
	defer h.Stop()

	client, _ := net.ListenPacket("udp", "127.0.0.1:0")
	defer client.Close()
	client.WriteTo([]byte("hi"), pc.LocalAddr())
	data := mustRecv(t, outbound, 2*time.Second).(protocol.Data)

	h.CloseConnection(data.ConnectionID)

	if h.Write(data.ConnectionID, []byte("x")) {
		t.Error("Write() should fail for a connection id forgotten via CloseConnection")
	}
}

func TestUDPHandler_MaxConns_DropsDatagramBeyondCap(t *testing.T) {
	pc := newTestUDPConn(t)
	outbound := make(chan protocol.Message, 16)
	h := newUDPHandler(protocol.TunnelInfo{ID: protocol.NewTunnelID()}, pc, "c1", outbound, make(chan struct{}), 1)
	go h.serve()
	defer h.Stop()

	first, _ := net.ListenPacket("udp", "127.0.0.1:0")
	defer first.Close()
	second, _ := net.ListenPacket("udp", "127.0.0.1:0")
	defer second.Close()

	if _, err := first.WriteTo([]byte("a"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	mustRecv(t, outbound, 2*time.Second) // Data for the first, admitted peer

	if _, err := second.WriteTo([]byte("b"), pc.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	select {
	case msg := <-outbound:
		t.Fatalf("unexpected message for a peer beyond max_connections_per_tunnel: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	if h.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1 (the second peer must not be tracked)", h.ConnectionCount())
	}
}

func TestConnectionIDForAddr_StableForSameAddr(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:4000")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	a := connectionIDForAddr(addr)
	b := connectionIDForAddr(addr)
	if a != b {
		t.Error("connectionIDForAddr should be deterministic for the same address")
	}
}
