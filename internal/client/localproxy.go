package client

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/nattun/relay/internal/protocol"
)

// pumpChunkSize mirrors the server-side public connection pump's read size.
const pumpChunkSize = 8 * 1024

type proxyKey struct {
	tunnel protocol.TunnelID
	conn   protocol.ConnectionID
}

// proxyTable bridges a tunnel's NewConnection/Data/ConnectionClosed
// messages to local TCP sockets dialed at 127.0.0.1:local_port — the
// client-side mirror of the server's PublicConnection map, but the dial
// direction is reversed: the server owns the public listener, the client
// owns the local dial.
type proxyTable struct {
	mu    sync.Mutex
	conns map[proxyKey]net.Conn
}

func newProxyTable() *proxyTable {
	return &proxyTable{conns: make(map[proxyKey]net.Conn)}
}

// open dials 127.0.0.1:localPort for a freshly announced NewConnection and
// starts a pump relaying bytes read from the local socket back onto ob as
// Data messages tagged with tid/cid. Returns false if the dial fails.
func (t *proxyTable) open(tid protocol.TunnelID, cid protocol.ConnectionID, localPort uint16, ob chan<- protocol.Message) bool {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		log.Printf("[client] tunnel %s connection %d: dial 127.0.0.1:%d: %v", tid, cid, localPort, err)
		return false
	}

	t.mu.Lock()
	t.conns[proxyKey{tid, cid}] = conn
	t.mu.Unlock()

	go t.pump(tid, cid, conn, ob)
	return true
}

func (t *proxyTable) pump(tid protocol.TunnelID, cid protocol.ConnectionID, conn net.Conn, ob chan<- protocol.Message) {
	defer t.forget(tid, cid, conn)
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case ob <- protocol.Data{TunnelID: tid, ConnectionID: cid, Bytes: chunk}:
			default:
				log.Printf("[client] tunnel %s connection %d: outbound queue full, dropping %d bytes", tid, cid, n)
			}
		}
		if err != nil {
			select {
			case ob <- protocol.ConnectionClosed{TunnelID: tid, ConnectionID: cid}:
			default:
			}
			return
		}
	}
}

// write delivers a server-originated Data payload to the local socket.
// Returns false if the connection is unknown or the write itself fails —
// the caller then emits ConnectionClosed upstream.
func (t *proxyTable) write(tid protocol.TunnelID, cid protocol.ConnectionID, data []byte) bool {
	t.mu.Lock()
	conn, ok := t.conns[proxyKey{tid, cid}]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := conn.Write(data); err != nil {
		t.close(tid, cid)
		return false
	}
	return true
}

// close closes and forgets one connection, e.g. on a server-originated
// ConnectionClosed.
func (t *proxyTable) close(tid protocol.TunnelID, cid protocol.ConnectionID) {
	key := proxyKey{tid, cid}
	t.mu.Lock()
	conn, ok := t.conns[key]
	if ok {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// forget removes (tid, cid) only if it still maps to conn, so a pump ending
// after the connection was already replaced or closed elsewhere does not
// clobber newer state.
func (t *proxyTable) forget(tid protocol.TunnelID, cid protocol.ConnectionID, conn net.Conn) {
	key := proxyKey{tid, cid}
	t.mu.Lock()
	if cur, ok := t.conns[key]; ok && cur == conn {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// closeForTunnel closes every connection belonging to tid, e.g. on
// TunnelClosed.
func (t *proxyTable) closeForTunnel(tid protocol.TunnelID) {
	t.mu.Lock()
	var toClose []net.Conn
	for k, conn := range t.conns {
		if k.tunnel == tid {
			toClose = append(toClose, conn)
			delete(t.conns, k)
		}
	}
	t.mu.Unlock()
	for _, conn := range toClose {
		_ = conn.Close()
	}
}

// closeAll closes every proxied connection, e.g. when the control stream
// ends.
func (t *proxyTable) closeAll() {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for k, conn := range t.conns {
		conns = append(conns, conn)
		delete(t.conns, k)
	}
	t.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
