// Package server implements the relay server: the TLS control listener,
// per-client session state machine, and the tunnel multiplexing fabric that
// maps (tunnel_id, connection_id) onto public-side sockets.
package server

import (
	"log"
	"sync"
	"time"

	"github.com/nattun/relay/internal/protocol"
)

// ClientSession is the server's view of one authenticated client: its
// control-stream identity, the tunnels it owns, and the channel its
// messages are written through.
//
// TunnelHandlers are handed only a clone of Outbound (a chan<- Message) and
// the Done channel, never the *ClientSession itself — closing the session
// closes Done, which makes every handler's pending send fail. This
// is what keeps ClientSession and TunnelHandler from forming a reference
// cycle.
type ClientSession struct {
	ClientID      string
	PeerAddr      string
	Token         string
	Authenticated bool
	ConnectedAt   time.Time

	Outbound chan protocol.Message

	// Done is closed exactly once, when the session is torn down. Tunnel
	// handlers select on it alongside their outbound send so a dead
	// session's sends fail promptly instead of blocking or panicking on a
	// closed channel.
	Done     chan struct{}
	doneOnce sync.Once

	mu            sync.RWMutex
	tunnels       map[protocol.TunnelID]struct{}
	bytesSent     uint64
	bytesReceived uint64
	// windowBytes accumulates bytes moved since the last QuotaSweeper
	// bandwidth check and is reset on every read of it.
	windowBytes uint64
}

// Close marks the session as torn down, closing Done. Safe to call more
// than once.
func (s *ClientSession) Close() {
	s.doneOnce.Do(func() { close(s.Done) })
}

// outboundBufferSize bounds the per-session outbound channel. The design
// calls for an unbounded channel; a generously sized bounded one avoids an
// unrecoverable memory blow-up under a stalled peer while still absorbing
// any realistic burst.
const outboundBufferSize = 4096

func newClientSession(clientID, peerAddr, token string) *ClientSession {
	return &ClientSession{
		ClientID:    clientID,
		PeerAddr:    peerAddr,
		Token:       token,
		ConnectedAt: time.Now().UTC(),
		Outbound:    make(chan protocol.Message, outboundBufferSize),
		Done:        make(chan struct{}),
		tunnels:     make(map[protocol.TunnelID]struct{}),
	}
}

// AddTunnel records tid as owned by this session.
func (s *ClientSession) AddTunnel(tid protocol.TunnelID) {
	s.mu.Lock()
	s.tunnels[tid] = struct{}{}
	s.mu.Unlock()
}

// RemoveTunnel forgets tid. It is a no-op if the session does not own it.
func (s *ClientSession) RemoveTunnel(tid protocol.TunnelID) {
	s.mu.Lock()
	delete(s.tunnels, tid)
	s.mu.Unlock()
}

// OwnsTunnel reports whether this session owns tid. Every CloseTunnel and
// Data message from a client is checked against this before the server
// acts on it.
func (s *ClientSession) OwnsTunnel(tid protocol.TunnelID) bool {
	s.mu.RLock()
	_, ok := s.tunnels[tid]
	s.mu.RUnlock()
	return ok
}

// Tunnels returns a snapshot of the tunnel ids this session owns.
func (s *ClientSession) Tunnels() []protocol.TunnelID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.TunnelID, 0, len(s.tunnels))
	for tid := range s.tunnels {
		out = append(out, tid)
	}
	return out
}

// TunnelCount returns the number of tunnels currently owned by this
// session, for max_tunnels_per_client enforcement.
func (s *ClientSession) TunnelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tunnels)
}

// AddBytes updates the session's aggregate byte counters. sent/received
// mirror the per-tunnel direction: sent is server->client, received is
// client->server. The server calls it only for client-originated Data
// messages; bytes a tunnel handler forwards to the client are not added.
func (s *ClientSession) AddBytes(sent, received uint64) {
	s.mu.Lock()
	s.bytesSent += sent
	s.bytesReceived += received
	s.windowBytes += sent + received
	s.mu.Unlock()
}

// ResetBandwidthWindow returns the bytes moved in either direction since
// the previous call (or since the session was created) and resets the
// counter, for QuotaSweeper's periodic max_bandwidth_mbps check.
func (s *ClientSession) ResetBandwidthWindow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.windowBytes
	s.windowBytes = 0
	return n
}

// send enqueues msg on the session's outbound channel without blocking: if
// the channel is full, msg is dropped and send returns false. The session
// itself is not closed here.
func (s *ClientSession) send(msg protocol.Message) bool {
	select {
	case s.Outbound <- msg:
		return true
	default:
		return false
	}
}

// Registry is a thread-safe, in-memory store of active client sessions,
// keyed by client_id. At most one active session per client_id is tracked;
// a reconnecting client with the same client_id replaces its previous
// session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	byToken  map[string]int // live session count per token, for max_clients_per_token
}

// NewRegistry returns an initialized, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*ClientSession),
		byToken:  make(map[string]int),
	}
}

// Add registers sess, closing and replacing any existing session with the
// same client_id. maxPerToken of 0 means unlimited; when the limit would be
// exceeded, Add returns false and does not register the session.
func (r *Registry) Add(sess *ClientSession, maxPerToken int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxPerToken > 0 && r.byToken[sess.Token] >= maxPerToken {
		return false
	}

	if old, ok := r.sessions[sess.ClientID]; ok {
		old.Close()
		r.byToken[old.Token]--
		log.Printf("[server] replaced session for client %s", sess.ClientID)
	}

	r.sessions[sess.ClientID] = sess
	r.byToken[sess.Token]++
	return true
}

// Remove deletes the session for clientID only if the stored session
// matches sess. This prevents a closing old session from removing a newer
// replacement registered under the same client_id.
func (r *Registry) Remove(clientID string, sess *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[clientID]; ok && cur == sess {
		delete(r.sessions, clientID)
		r.byToken[cur.Token]--
		cur.Close()
	}
}

// Get returns the session for clientID, or (nil, false) when not found.
func (r *Registry) Get(clientID string) (*ClientSession, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[clientID]
	r.mu.RUnlock()
	return sess, ok
}

// List returns a snapshot of all currently registered sessions.
func (r *Registry) List() []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
