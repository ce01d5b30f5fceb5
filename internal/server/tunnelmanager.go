package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/nattun/relay/internal/protocol"
	"github.com/nattun/relay/internal/relayerr"
)

// ErrPortRangeExhausted is returned by CreateTunnel when the allocator has no
// free port left in its configured range. Reported to the client as
// Error{PortInUse} rather than the generic Tunnel-kind wire code, since
// relayerr.Tunnel otherwise maps to TunnelNotFound.
var ErrPortRangeExhausted = errors.New("tunnelmanager: port range exhausted")

// listenerBindRetries/listenerBindBackoff govern retrying a tunnel's public
// bind when the OS has not yet released a just-freed port — the same retry
// shape the accept-loop grounding uses for its own listener bind.
const (
	listenerBindRetries = 5
	listenerBindBackoff = 25 * time.Millisecond
)

// tunnelEntry is implemented by both the TCP and UDP handler, letting
// TunnelManager hold one tunnel map regardless of protocol.
type tunnelEntry interface {
	Stop()
	Write(cid protocol.ConnectionID, data []byte) bool
	CloseConnection(cid protocol.ConnectionID)
	ConnectionCount() int
	Snapshot() protocol.TunnelInfo
	RemotePort() int
	IdleSweep(timeout time.Duration)
}

// TunnelManager is the registry of live tunnel handlers keyed by TunnelId,
// plus the PortAllocator they draw remote ports from.
type TunnelManager struct {
	mu      sync.RWMutex
	tunnels map[protocol.TunnelID]tunnelEntry
	pool    *PortAllocator

	maxConnectionsPerTunnel int
}

// NewTunnelManager returns a TunnelManager allocating remote ports from
// [lo, hi].
func NewTunnelManager(lo, hi, maxConnectionsPerTunnel int) *TunnelManager {
	return &TunnelManager{
		tunnels:                 make(map[protocol.TunnelID]tunnelEntry),
		pool:                    NewPortAllocator(lo, hi),
		maxConnectionsPerTunnel: maxConnectionsPerTunnel,
	}
}

// CreateTunnel allocates a port, binds a public listener, and registers a
// new tunnel handler owned by sess. The listener's accept/read loop starts
// running in its own goroutine before CreateTunnel returns.
func (m *TunnelManager) CreateTunnel(sess *ClientSession, req protocol.CreateTunnel) (protocol.TunnelInfo, error) {
	if !req.Protocol.Valid() {
		return protocol.TunnelInfo{}, relayerr.New(relayerr.Protocol, "tunnelmanager", fmt.Sprintf("unknown protocol %q", req.Protocol))
	}

	tid := protocol.NewTunnelID()
	port, ok := m.pool.Allocate(req.RemotePort, tid)
	if !ok {
		return protocol.TunnelInfo{}, ErrPortRangeExhausted
	}

	var handler tunnelEntry
	var err error
	switch req.Protocol {
	case protocol.ProtocolUDP:
		handler, err = m.bindUDP(tid, port, req, sess)
	default:
		handler, err = m.bindTCP(tid, port, req, sess)
	}
	if err != nil {
		m.pool.Release(port)
		return protocol.TunnelInfo{}, err
	}

	m.mu.Lock()
	m.tunnels[tid] = handler
	m.mu.Unlock()
	sess.AddTunnel(tid)

	return handler.Snapshot(), nil
}

func (m *TunnelManager) bindTCP(tid protocol.TunnelID, port int, req protocol.CreateTunnel, sess *ClientSession) (tunnelEntry, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	var ln net.Listener
	var err error
	for attempt := 0; attempt < listenerBindRetries; attempt++ {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * listenerBindBackoff)
	}
	if ln == nil {
		return nil, relayerr.Wrap(relayerr.Network, "tunnelmanager", fmt.Sprintf("bind %s", addr), err)
	}

	info := protocol.TunnelInfo{
		ID:         tid,
		Name:       req.Name,
		Protocol:   protocol.ProtocolTCP,
		LocalPort:  req.LocalPort,
		RemotePort: uint16(port),
		CreatedAt:  time.Now().UTC(),
	}
	handler := newTunnelHandler(info, ln, sess.ClientID, sess.Outbound, sess.Done, m.maxConnectionsPerTunnel)
	go handler.serve(ln)

	log.Printf("[tunnelmanager] tunnel %s: TCP %s -> 127.0.0.1:%d for client %s", tid, addr, req.LocalPort, sess.ClientID)
	return handler, nil
}

// CloseTunnel tears down tid if it is owned by requester. Returns
// relayerr.Connection if requester does not own tid (S5 ownership check),
// and relayerr.Tunnel if tid does not exist at all.
func (m *TunnelManager) CloseTunnel(tid protocol.TunnelID, requester *ClientSession) error {
	m.mu.Lock()
	handler, ok := m.tunnels[tid]
	if !ok {
		m.mu.Unlock()
		return relayerr.New(relayerr.Tunnel, "tunnelmanager", "unknown tunnel")
	}
	if !requester.OwnsTunnel(tid) {
		m.mu.Unlock()
		return relayerr.New(relayerr.Connection, "tunnelmanager", "tunnel not owned by requesting session")
	}
	delete(m.tunnels, tid)
	m.mu.Unlock()

	handler.Stop()
	m.pool.Release(handler.RemotePort())
	requester.RemoveTunnel(tid)
	return nil
}

// CloseAllFor tears down every tunnel owned by sess, e.g. when its control
// stream ends.
func (m *TunnelManager) CloseAllFor(sess *ClientSession) {
	for _, tid := range sess.Tunnels() {
		m.mu.Lock()
		handler, ok := m.tunnels[tid]
		if ok {
			delete(m.tunnels, tid)
		}
		m.mu.Unlock()
		if ok {
			handler.Stop()
			m.pool.Release(handler.RemotePort())
		}
	}
}

// WriteData routes a client-originated Data message to the matching public
// connection. Returns relayerr.Connection if requester does not own tid,
// and relayerr.Tunnel if tid is unknown OR cid has no live PublicConnection
// within an owned tunnel — per the per-session dispatch contract, a missing
// connection is reported to the client the same as a missing tunnel.
func (m *TunnelManager) WriteData(tid protocol.TunnelID, cid protocol.ConnectionID, data []byte, requester *ClientSession) error {
	m.mu.RLock()
	handler, ok := m.tunnels[tid]
	m.mu.RUnlock()
	if !ok {
		return relayerr.New(relayerr.Tunnel, "tunnelmanager", "unknown tunnel")
	}
	if !requester.OwnsTunnel(tid) {
		return relayerr.New(relayerr.Connection, "tunnelmanager", "tunnel not owned by requesting session")
	}

	if !handler.Write(cid, data) {
		return relayerr.New(relayerr.Tunnel, "tunnelmanager", "unknown connection")
	}
	return nil
}

// CloseConnection routes a client-originated ConnectionClosed message.
func (m *TunnelManager) CloseConnection(tid protocol.TunnelID, cid protocol.ConnectionID, requester *ClientSession) error {
	if !requester.OwnsTunnel(tid) {
		return relayerr.New(relayerr.Connection, "tunnelmanager", "tunnel not owned by requesting session")
	}
	m.mu.RLock()
	handler, ok := m.tunnels[tid]
	m.mu.RUnlock()
	if !ok {
		return relayerr.New(relayerr.Tunnel, "tunnelmanager", "unknown tunnel")
	}
	handler.CloseConnection(cid)
	return nil
}

// Snapshot returns TunnelInfo for every tunnel owned by sess, for
// StatusRequest replies.
func (m *TunnelManager) Snapshot(sess *ClientSession) []protocol.TunnelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.TunnelInfo, 0, sess.TunnelCount())
	for _, tid := range sess.Tunnels() {
		if h, ok := m.tunnels[tid]; ok {
			out = append(out, h.Snapshot())
		}
	}
	return out
}

// IdleSweepAll closes or forgets connections idle for at least timeout,
// across every live tunnel. Called periodically by QuotaSweeper to enforce
// connection_timeout_secs.
func (m *TunnelManager) IdleSweepAll(timeout time.Duration) {
	m.mu.RLock()
	handlers := make([]tunnelEntry, 0, len(m.tunnels))
	for _, h := range m.tunnels {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h.IdleSweep(timeout)
	}
}

// Count returns the number of live tunnels across all sessions.
func (m *TunnelManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tunnels)
}
