package server

import (
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nattun/relay/internal/protocol"
)

// pumpChunkSize is the read size used by the upstream pump, per the
// accept-loop contract: "read up to 8 KiB from the public socket".
const pumpChunkSize = 8 * 1024

// publicConnOutboundBuffer bounds how many pending Data chunks a
// PublicConnection will hold before the downstream pump falls behind.
const publicConnOutboundBuffer = 256

// PublicConnection is one public-side TCP socket multiplexed onto a tunnel's
// control stream. Its lifetime runs from the NewConnection event to EOF,
// an explicit close, or tunnel teardown.
type PublicConnection struct {
	ID       protocol.ConnectionID
	Conn     net.Conn
	PeerAddr string
	outbound chan []byte
	closed   atomic.Bool

	// lastActivity is a UnixNano timestamp, updated on every byte moved in
	// either direction, read by the quota sweep's idle check.
	lastActivity atomic.Int64
}

func newPublicConnection(id protocol.ConnectionID, conn net.Conn) *PublicConnection {
	pc := &PublicConnection{
		ID:       id,
		Conn:     conn,
		PeerAddr: conn.RemoteAddr().String(),
		outbound: make(chan []byte, publicConnOutboundBuffer),
	}
	pc.touch()
	return pc
}

func (c *PublicConnection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *PublicConnection) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue hands bytes to the downstream pump. It is a no-op once the
// connection has been closed.
func (c *PublicConnection) enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	c.touch()
	select {
	case c.outbound <- data:
	default:
		// Outbound queue full: the public peer is not draining fast enough.
		// Drop the chunk rather than block the session's message loop.
		log.Printf("[tunnel] connection %d: outbound queue full, dropping %d bytes", c.ID, len(data))
	}
}

func (c *PublicConnection) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.Conn.Close()
		close(c.outbound)
	}
}

// TunnelHandler owns one tunnel's public listener and the set of public
// connections multiplexed through it. It is handed only the owning
// session's outbound channel and Done channel, not the session itself, so
// closing the session (which closes Done) is sufficient to make every
// pending send in this handler fail — no explicit session-to-handler
// teardown call is required.
type TunnelHandler struct {
	Info     protocol.TunnelInfo
	Listener io.Closer

	ownerClientID string
	outbound      chan<- protocol.Message
	// sessionDone is the owning session's Done channel. It is closed when
	// the session is torn down, which makes every blocked or future send
	// below fail immediately instead of leaking a goroutine against a
	// channel nobody drains anymore.
	sessionDone <-chan struct{}

	// maxConns caps live public connections for this tunnel, per
	// max_connections_per_tunnel. 0 means unlimited.
	maxConns int

	mu         sync.RWMutex
	conns      map[protocol.ConnectionID]*PublicConnection
	nextConnID uint32

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newTunnelHandler(info protocol.TunnelInfo, ln net.Listener, ownerClientID string, outbound chan<- protocol.Message, sessionDone <-chan struct{}, maxConns int) *TunnelHandler {
	return &TunnelHandler{
		Info:          info,
		Listener:      ln,
		ownerClientID: ownerClientID,
		outbound:      outbound,
		sessionDone:   sessionDone,
		maxConns:      maxConns,
		conns:         make(map[protocol.ConnectionID]*PublicConnection),
		stopCh:        make(chan struct{}),
	}
}

// serve runs the TCP accept loop until the listener is closed by Stop. It
// blocks, so callers run it in its own goroutine.
func (h *TunnelHandler) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConn(conn)
		}()
	}
}

func (h *TunnelHandler) handleConn(conn net.Conn) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.conns) >= h.maxConns {
		h.mu.Unlock()
		log.Printf("[tunnel] tunnel %s: max_connections_per_tunnel (%d) reached, rejecting %s", h.Info.ID, h.maxConns, conn.RemoteAddr())
		h.sendOutbound(protocol.Error{Code: protocol.ErrRateLimitExceeded, Message: "max_connections_per_tunnel exceeded"})
		_ = conn.Close()
		return
	}
	cid := protocol.ConnectionID(atomic.AddUint32(&h.nextConnID, 1))
	pc := newPublicConnection(cid, conn)
	h.conns[cid] = pc
	h.mu.Unlock()
	atomic.AddUint32(&h.Info.ActiveConnections, 1)

	if !h.sendOutbound(protocol.NewConnection{
		TunnelID:     h.Info.ID,
		ConnectionID: cid,
		ClientAddr:   pc.PeerAddr,
	}) {
		h.removeConn(cid)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.upstreamPump(pc) }()
	go func() { defer wg.Done(); h.downstreamPump(pc) }()
	wg.Wait()

	h.removeConn(cid)
}

// upstreamPump reads chunks from the public socket and emits them as Data
// messages to the owning session. EOF or a read error ends the connection.
func (h *TunnelHandler) upstreamPump(pc *PublicConnection) {
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := pc.Conn.Read(buf)
		if n > 0 {
			pc.touch()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			atomic.AddUint64(&h.Info.BytesSent, uint64(n))
			if !h.sendOutbound(protocol.Data{
				TunnelID:     h.Info.ID,
				ConnectionID: pc.ID,
				Bytes:        chunk,
			}) {
				pc.close()
				return
			}
		}
		if err != nil {
			pc.close()
			h.sendOutbound(protocol.ConnectionClosed{TunnelID: h.Info.ID, ConnectionID: pc.ID})
			return
		}
	}
}

// downstreamPump drains the connection's outbound queue (fed by Data
// messages arriving from the client) and writes each chunk to the public
// socket. A write error ends the connection.
func (h *TunnelHandler) downstreamPump(pc *PublicConnection) {
	for chunk := range pc.outbound {
		n, err := pc.Conn.Write(chunk)
		pc.touch()
		atomic.AddUint64(&h.Info.BytesReceived, uint64(n))
		if err != nil {
			pc.close()
			return
		}
	}
}

// Write delivers a Data message's payload to the named connection's
// downstream pump. It returns false if the connection is unknown.
func (h *TunnelHandler) Write(cid protocol.ConnectionID, data []byte) bool {
	h.mu.RLock()
	pc, ok := h.conns[cid]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	pc.enqueue(data)
	return true
}

// CloseConnection closes one public connection ahead of EOF, e.g. in
// response to a client-originated ConnectionClosed message.
func (h *TunnelHandler) CloseConnection(cid protocol.ConnectionID) {
	h.mu.RLock()
	pc, ok := h.conns[cid]
	h.mu.RUnlock()
	if ok {
		pc.close()
	}
}

func (h *TunnelHandler) removeConn(cid protocol.ConnectionID) {
	h.mu.Lock()
	delete(h.conns, cid)
	h.mu.Unlock()
	atomic.AddUint32(&h.Info.ActiveConnections, ^uint32(0)) // -1
}

// sendOutbound enqueues msg onto the owning session's channel. It returns
// false once the tunnel has been torn down (stopCh) or the owning session
// has disconnected (sessionDone), or if the session's channel stays full
// for 5 seconds.
func (h *TunnelHandler) sendOutbound(msg protocol.Message) bool {
	select {
	case h.outbound <- msg:
		return true
	case <-h.stopCh:
		return false
	case <-h.sessionDone:
		return false
	case <-time.After(5 * time.Second):
		return false
	}
}

// Stop closes the listener, stops accepting new connections, and closes
// every live public connection. Pending outbound data for those
// connections is discarded. It blocks until every in-flight pump has
// exited.
func (h *TunnelHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		_ = h.Listener.Close()

		h.mu.RLock()
		conns := make([]*PublicConnection, 0, len(h.conns))
		for _, pc := range h.conns {
			conns = append(conns, pc)
		}
		h.mu.RUnlock()

		for _, pc := range conns {
			pc.close()
		}
	})
	h.wg.Wait()
}

// IdleSweep closes every public connection that has moved no bytes in
// either direction for at least timeout, enforcing connection_timeout_secs.
func (h *TunnelHandler) IdleSweep(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	h.mu.RLock()
	stale := make([]*PublicConnection, 0)
	for _, pc := range h.conns {
		if pc.idleSince().Before(cutoff) {
			stale = append(stale, pc)
		}
	}
	h.mu.RUnlock()

	for _, pc := range stale {
		pc.close()
	}
}

// RemotePort returns the public port this tunnel was bound to, for
// PortAllocator.Release on teardown.
func (h *TunnelHandler) RemotePort() int {
	return int(h.Info.RemotePort)
}

// ConnectionCount returns the number of live public connections, for
// max_connections_per_tunnel enforcement.
func (h *TunnelHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Snapshot returns a copy of the handler's TunnelInfo with the latest byte
// counters, for StatusRequest replies.
func (h *TunnelHandler) Snapshot() protocol.TunnelInfo {
	info := h.Info
	info.BytesSent = atomic.LoadUint64(&h.Info.BytesSent)
	info.BytesReceived = atomic.LoadUint64(&h.Info.BytesReceived)
	info.ActiveConnections = atomic.LoadUint32(&h.Info.ActiveConnections)
	return info
}
