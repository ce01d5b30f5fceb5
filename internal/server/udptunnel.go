package server

import (
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nattun/relay/internal/protocol"
	"github.com/nattun/relay/internal/relayerr"
)

// udpDatagramBuffer is the largest UDP datagram this relay will forward.
// 64 KiB covers the IPv4/IPv6 UDP maximum payload.
const udpDatagramBuffer = 64 * 1024

// connectionIDForAddr derives the connection_id for a UDP datagram's 4-tuple
// as the framing rule decided for this relay: the local port is fixed per
// tunnel, so hashing the remote address alone distinguishes every "client"
// talking to this tunnel's public port. Re-derived per datagram; there is
// no NewConnection/ConnectionClosed lifecycle for UDP.
func connectionIDForAddr(addr net.Addr) protocol.ConnectionID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.String()))
	return protocol.ConnectionID(h.Sum32())
}

// udpHandler is the UDP counterpart of TunnelHandler. A UDP "tunnel" has no
// per-datagram accept step: every datagram arriving at the bound
// PacketConn is framed as one Data message, tagged with the connection_id
// derived from its source address.
type udpHandler struct {
	info protocol.TunnelInfo
	pc   net.PacketConn

	ownerClientID string
	outbound      chan<- protocol.Message
	sessionDone   <-chan struct{}

	// maxConns caps the number of distinct peer addresses tracked for this
	// tunnel, per max_connections_per_tunnel. 0 means unlimited.
	maxConns int

	mu       sync.RWMutex
	addrByID map[protocol.ConnectionID]net.Addr
	// lastSeen tracks, per connection_id, when a datagram was last seen in
	// either direction — there is no socket to time out, so the idle sweep
	// instead forgets the address mapping once it goes quiet.
	lastSeen map[protocol.ConnectionID]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newUDPHandler(info protocol.TunnelInfo, pc net.PacketConn, ownerClientID string, outbound chan<- protocol.Message, sessionDone <-chan struct{}, maxConns int) *udpHandler {
	return &udpHandler{
		info:          info,
		pc:            pc,
		ownerClientID: ownerClientID,
		outbound:      outbound,
		sessionDone:   sessionDone,
		maxConns:      maxConns,
		addrByID:      make(map[protocol.ConnectionID]net.Addr),
		lastSeen:      make(map[protocol.ConnectionID]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// serve reads datagrams until the PacketConn is closed by Stop.
func (h *udpHandler) serve() {
	buf := make([]byte, udpDatagramBuffer)
	for {
		n, addr, err := h.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		cid := connectionIDForAddr(addr)

		h.mu.Lock()
		_, known := h.addrByID[cid]
		if !known && h.maxConns > 0 && len(h.addrByID) >= h.maxConns {
			h.mu.Unlock()
			log.Printf("[tunnel] udp tunnel %s: max_connections_per_tunnel (%d) reached, dropping datagram from %s", h.info.ID, h.maxConns, addr)
			continue
		}
		h.addrByID[cid] = addr
		h.lastSeen[cid] = time.Now()
		h.mu.Unlock()

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		atomic.AddUint64(&h.info.BytesSent, uint64(n))

		select {
		case h.outbound <- protocol.Data{TunnelID: h.info.ID, ConnectionID: cid, Bytes: chunk}:
		case <-h.stopCh:
			return
		case <-h.sessionDone:
			return
		case <-time.After(5 * time.Second):
			log.Printf("[tunnelmanager] udp tunnel %s: session outbound stalled, dropping datagram", h.info.ID)
		}
	}
}

// Write sends a client-originated Data payload back out to the UDP peer
// last seen at cid's address.
func (h *udpHandler) Write(cid protocol.ConnectionID, data []byte) bool {
	h.mu.RLock()
	addr, ok := h.addrByID[cid]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	n, err := h.pc.WriteTo(data, addr)
	atomic.AddUint64(&h.info.BytesReceived, uint64(n))
	if err == nil {
		h.mu.Lock()
		h.lastSeen[cid] = time.Now()
		h.mu.Unlock()
	}
	return err == nil
}

// CloseConnection forgets cid's address mapping. UDP has no socket to
// close; this only stops future Write calls for a stale cid from reaching
// a reused address.
func (h *udpHandler) CloseConnection(cid protocol.ConnectionID) {
	h.mu.Lock()
	delete(h.addrByID, cid)
	delete(h.lastSeen, cid)
	h.mu.Unlock()
}

// IdleSweep forgets the address mapping for every connection_id that has
// seen no datagram in either direction for at least timeout.
func (h *udpHandler) IdleSweep(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	h.mu.Lock()
	defer h.mu.Unlock()
	for cid, seen := range h.lastSeen {
		if seen.Before(cutoff) {
			delete(h.addrByID, cid)
			delete(h.lastSeen, cid)
		}
	}
}

// ConnectionCount returns the number of distinct peer addresses seen, as a
// proxy for "active connections" on a protocol with no connection
// lifecycle.
func (h *udpHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.addrByID)
}

func (h *udpHandler) RemotePort() int {
	return int(h.info.RemotePort)
}

func (h *udpHandler) Snapshot() protocol.TunnelInfo {
	info := h.info
	info.BytesSent = atomic.LoadUint64(&h.info.BytesSent)
	info.BytesReceived = atomic.LoadUint64(&h.info.BytesReceived)
	info.ActiveConnections = uint32(h.ConnectionCount())
	return info
}

func (h *udpHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		_ = h.pc.Close()
	})
}

func (m *TunnelManager) bindUDP(tid protocol.TunnelID, port int, req protocol.CreateTunnel, sess *ClientSession) (tunnelEntry, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Network, "tunnelmanager", fmt.Sprintf("bind udp %s", addr), err)
	}

	info := protocol.TunnelInfo{
		ID:         tid,
		Name:       req.Name,
		Protocol:   protocol.ProtocolUDP,
		LocalPort:  req.LocalPort,
		RemotePort: uint16(port),
		CreatedAt:  time.Now().UTC(),
	}
	handler := newUDPHandler(info, pc, sess.ClientID, sess.Outbound, sess.Done, m.maxConnectionsPerTunnel)
	go handler.serve()

	log.Printf("[tunnelmanager] tunnel %s: UDP %s -> 127.0.0.1:%d for client %s", tid, addr, req.LocalPort, sess.ClientID)
	return handler, nil
}
