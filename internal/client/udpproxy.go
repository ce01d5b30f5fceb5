package client

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/nattun/relay/internal/protocol"
)

// udpProxyDatagramBuffer is the largest datagram this proxy will relay.
const udpProxyDatagramBuffer = 64 * 1024

// udpProxyIdleTimeout bounds how long a per-connection_id local UDP socket
// is kept open with no reply traffic before it is abandoned — there is no
// ConnectionClosed for UDP to signal this explicitly (see the framing
// decision in SPEC_FULL.md), so the proxy times itself out instead.
const udpProxyIdleTimeout = 2 * time.Minute

// udpConn is one local UDP socket dedicated to a single connection_id
// within a UDP tunnel: the client-side mirror of the server's udpHandler,
// except here there is one socket per peer rather than one shared listener.
type udpConn struct {
	sock     net.Conn
	done     chan struct{}
	doneOnce sync.Once
}

// udpProxyTable bridges UDP tunnel Data messages to per-connection_id local
// UDP sockets dialed at 127.0.0.1:local_port.
type udpProxyTable struct {
	mu    sync.Mutex
	conns map[proxyKey]*udpConn
}

func newUDPProxyTable() *udpProxyTable {
	return &udpProxyTable{conns: make(map[proxyKey]*udpConn)}
}

// write forwards data to the local UDP service for (tid, cid), dialing a
// fresh socket on first use and starting a pump that relays replies back as
// Data messages tagged with the same ids.
func (t *udpProxyTable) write(tid protocol.TunnelID, cid protocol.ConnectionID, localPort uint16, data []byte, ob chan<- protocol.Message) {
	key := proxyKey{tid, cid}

	t.mu.Lock()
	uc, ok := t.conns[key]
	if !ok {
		sock, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", localPort))
		if err != nil {
			t.mu.Unlock()
			log.Printf("[client] udp tunnel %s connection %d: dial 127.0.0.1:%d: %v", tid, cid, localPort, err)
			return
		}
		uc = &udpConn{sock: sock, done: make(chan struct{})}
		t.conns[key] = uc
		go t.pump(tid, cid, uc, ob)
	}
	t.mu.Unlock()

	if _, err := uc.sock.Write(data); err != nil {
		log.Printf("[client] udp tunnel %s connection %d: write: %v", tid, cid, err)
		t.close(tid, cid)
	}
}

func (t *udpProxyTable) pump(tid protocol.TunnelID, cid protocol.ConnectionID, uc *udpConn, ob chan<- protocol.Message) {
	buf := make([]byte, udpProxyDatagramBuffer)
	for {
		_ = uc.sock.SetReadDeadline(time.Now().Add(udpProxyIdleTimeout))
		n, err := uc.sock.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case ob <- protocol.Data{TunnelID: tid, ConnectionID: cid, Bytes: chunk}:
			case <-uc.done:
				return
			default:
				log.Printf("[client] udp tunnel %s connection %d: outbound queue full, dropping %d bytes", tid, cid, n)
			}
		}
		if err != nil {
			t.close(tid, cid)
			return
		}
	}
}

// close closes and forgets the local socket for (tid, cid).
func (t *udpProxyTable) close(tid protocol.TunnelID, cid protocol.ConnectionID) {
	key := proxyKey{tid, cid}
	t.mu.Lock()
	uc, ok := t.conns[key]
	if ok {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	if ok {
		uc.doneOnce.Do(func() { close(uc.done) })
		_ = uc.sock.Close()
	}
}

// closeForTunnel closes every local socket belonging to tid, e.g. on
// TunnelClosed.
func (t *udpProxyTable) closeForTunnel(tid protocol.TunnelID) {
	t.mu.Lock()
	var stale []proxyKey
	for k := range t.conns {
		if k.tunnel == tid {
			stale = append(stale, k)
		}
	}
	t.mu.Unlock()
	for _, k := range stale {
		t.close(k.tunnel, k.conn)
	}
}

// closeAll closes every local socket, e.g. when the control stream ends.
func (t *udpProxyTable) closeAll() {
	t.mu.Lock()
	keys := make([]proxyKey, 0, len(t.conns))
	for k := range t.conns {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.close(k.tunnel, k.conn)
	}
}
