package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nattun/relay/internal/audit"
	"github.com/nattun/relay/internal/auditqueue"
	"github.com/nattun/relay/internal/config"
	"github.com/nattun/relay/internal/protocol"
	"github.com/nattun/relay/internal/relayerr"
	"github.com/nattun/relay/internal/token"
)

// defaultRateLimit is the maximum number of new control connections accepted
// per second.
const defaultRateLimit rate.Limit = 10

// defaultMaxPending is the maximum number of concurrent unauthenticated
// handshakes allowed in flight simultaneously.
const defaultMaxPending = 50

// authTimeout is the deadline for TLS handshake + the first Auth message.
// Cleared once the session authenticates so long-lived tunnels are unaffected.
const authTimeout = 15 * time.Second

// Server is the relay's control-plane entry point: a TLS listener that
// accepts one control stream per client and drives that session's message
// dispatch for as long as the stream stays open.
type Server struct {
	Config   *config.ServerConfig
	Sessions *Registry
	Tunnels  *TunnelManager

	startedAt time.Time
	limiter   *rate.Limiter
	sem       chan struct{}
	tlsCfg    *tls.Config
	audit     audit.Sink
	quota     *QuotaSweeper

	mu sync.Mutex
	ln net.Listener
}

// NewServer wires a Server from cfg. The TunnelManager's per-tunnel
// connection cap is taken from cfg; its port range is the fixed
// portRangeLow..portRangeHigh block. When cfg.RedisAddr is set,
// lifecycle events are enqueued onto Redis via internal/auditqueue instead
// of being logged inline.
func NewServer(cfg *config.ServerConfig) (*Server, error) {
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	var sink audit.Sink = audit.LogSink{}
	if cfg.RedisAddr != "" {
		sink = auditqueue.NewSink(cfg.RedisAddr, audit.LogSink{})
	}

	sessions := NewRegistry()
	tunnels := NewTunnelManager(portRangeLow, portRangeHigh, cfg.Limits.MaxConnectionsPerTunnel)

	return &Server{
		Config:   cfg,
		Sessions: sessions,
		Tunnels:  tunnels,
		limiter:  rate.NewLimiter(defaultRateLimit, int(defaultRateLimit)+1),
		sem:      make(chan struct{}, defaultMaxPending),
		tlsCfg:   tlsCfg,
		audit:    sink,
		quota:    NewQuotaSweeper(sessions, tunnels, cfg.Limits.ConnectionTimeout, cfg.Limits.MaxBandwidthMbps),
	}, nil
}

// portRangeLow/portRangeHigh bound the public ports this relay hands out for
// tunnels. The range is fixed rather than configurable per §4.4: a relay
// deployment reserves one contiguous block for tunnel traffic.
const (
	portRangeLow  = 10000
	portRangeHigh = 20000
)

func buildTLSConfig(cfg config.TlsConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Tls, "server", "load certificate", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		caBytes, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Tls, "server", "read CA bundle", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, relayerr.New(relayerr.Tls, "server", "CA bundle contains no usable certificates")
		}
		tlsCfg.ClientCAs = pool
	}
	if cfg.VerifyClient {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// ListenAndServe binds the TLS control listener and accepts sessions until
// the listener is closed.
func (s *Server) ListenAndServe() error {
	s.startedAt = time.Now().UTC()
	addr := fmt.Sprintf("%s:%d", s.Config.Network.BindAddr, s.Config.Network.Port)

	ln, err := tls.Listen("tcp", addr, s.tlsCfg)
	if err != nil {
		return relayerr.Wrap(relayerr.Network, "server", fmt.Sprintf("listen %s", addr), err)
	}
	log.Printf("[server] listening on %s", addr)

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.quota.Start()
	defer s.quota.Stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return relayerr.Wrap(relayerr.Network, "server", "accept", err)
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new control connections by closing the listener.
// Sessions already established keep running until their own streams end;
// ListenAndServe's Accept loop returns once Close runs.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// handleConn drives one control stream from TLS accept through session
// teardown: pre-auth gating, the per-session reader/writer pair, and cleanup
// of every tunnel the session owned.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))

	sess, err := s.authenticate(conn)
	if err != nil {
		log.Printf("[server] auth failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if !s.Sessions.Add(sess, s.Config.Auth.MaxClientsPerToken) {
		log.Printf("[server] client %s rejected: max_clients_per_token exceeded", sess.ClientID)
		_ = protocol.WriteMessage(conn, relayerr.ToWire(
			relayerr.New(relayerr.Authentication, "server", "too many active sessions for this token")))
		audit.Write(s.audit, audit.Entry{
			ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "session.connect", Status: audit.StatusFailed,
			Detail: map[string]any{"reason": "max_clients_per_token exceeded"},
		})
		return
	}
	log.Printf("[server] client %s authenticated from %s", sess.ClientID, conn.RemoteAddr())
	audit.Write(s.audit, audit.Entry{
		ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "session.connect", Status: audit.StatusSuccess,
	})

	defer func() {
		s.Tunnels.CloseAllFor(sess)
		s.Sessions.Remove(sess.ClientID, sess)
		log.Printf("[server] client %s disconnected", sess.ClientID)
		audit.Write(s.audit, audit.Entry{
			ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "session.disconnect", Status: audit.StatusSuccess,
		})
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writerLoop(conn, sess) }()
	go func() { defer wg.Done(); s.readerLoop(conn, sess) }()
	wg.Wait()
}

// authenticate reads messages until it sees Auth, rejecting anything else
// with Error{AuthenticationFailed} per the pre-auth gate in §4.3. A failed
// Auth (bad version or token) gets its AuthResponse written and the stream
// is then closed by the caller; a stream error while waiting ends the
// attempt without a session.
func (s *Server) authenticate(conn net.Conn) (*ClientSession, error) {
	var auth protocol.Auth
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Network, "server", "read first message", err)
		}
		if a, ok := msg.(protocol.Auth); ok {
			auth = a
			break
		}
		if err := protocol.WriteMessage(conn, relayerr.ToWire(
			relayerr.New(relayerr.Authentication, "server", "Not authenticated"))); err != nil {
			return nil, relayerr.Wrap(relayerr.Network, "server", "write pre-auth Error", err)
		}
	}

	if auth.Version != protocol.Version {
		errMsg := "Protocol version mismatch"
		_ = protocol.WriteMessage(conn, protocol.AuthResponse{Success: false, Error: &errMsg, ServerVersion: protocol.Version})
		return nil, relayerr.New(relayerr.Protocol, "server", errMsg)
	}

	if !s.tokenAccepted(auth.Token) {
		errMsg := "Invalid token"
		_ = protocol.WriteMessage(conn, protocol.AuthResponse{Success: false, Error: &errMsg, ServerVersion: protocol.Version})
		return nil, relayerr.New(relayerr.Authentication, "server", errMsg)
	}

	sess := newClientSession(auth.ClientID, conn.RemoteAddr().String(), auth.Token)
	if err := protocol.WriteMessage(conn, protocol.AuthResponse{Success: true, ServerVersion: protocol.Version}); err != nil {
		return nil, relayerr.Wrap(relayerr.Network, "server", "write AuthResponse", err)
	}
	return sess, nil
}

// tokenAccepted reports whether token is in the server's accepted set.
// require_auth=false accepts any token, for local development.
func (s *Server) tokenAccepted(tok string) bool {
	if !s.Config.Auth.RequireAuth {
		return true
	}
	for _, t := range s.Config.Auth.Tokens {
		if token.ConstantTimeEqual(t, tok) {
			return true
		}
	}
	return false
}

// writerLoop drains sess.Outbound and writes each message to the control
// stream. It is the single writer of the connection, per the invariant that
// no two messages interleave mid-frame.
func (s *Server) writerLoop(conn net.Conn, sess *ClientSession) {
	for {
		select {
		case msg, ok := <-sess.Outbound:
			if !ok {
				return
			}
			if err := protocol.WriteMessage(conn, msg); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done:
			return
		}
	}
}

// readerLoop decodes messages from the control stream and dispatches each
// to its handler until the stream ends or a fatal framing error occurs. A
// single malformed frame does not end the session: per the framing
// contract, it is logged and the next frame is read (protocol.ReadMessage
// has already consumed exactly that frame's bytes).
func (s *Server) readerLoop(conn net.Conn, sess *ClientSession) {
	defer sess.Close()
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if isFatalReadError(err) {
				return
			}
			log.Printf("[server] client %s: dropping malformed frame: %v", sess.ClientID, err)
			continue
		}
		s.dispatch(sess, msg)
	}
}

// isFatalReadError reports whether err ends the control stream outright
// (clean EOF, a short read, or an oversized frame) as opposed to a decode
// failure on an otherwise well-framed payload, which is recoverable.
func isFatalReadError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, protocol.ErrFrameTooLarge)
}

// dispatch routes one post-auth message to its handler. Server-originating
// message types received from a client are rejected rather than acted on.
func (s *Server) dispatch(sess *ClientSession, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.CreateTunnel:
		s.handleCreateTunnel(sess, m)
	case protocol.CloseTunnel:
		s.handleCloseTunnel(sess, m)
	case protocol.Data:
		s.handleData(sess, m)
	case protocol.ConnectionClosed:
		s.handleConnectionClosed(sess, m)
	case protocol.Ping:
		sess.send(protocol.Pong{Timestamp: m.Timestamp})
	case protocol.StatusRequest:
		s.handleStatusRequest(sess)
	default:
		sess.send(relayerr.ToWire(
			relayerr.New(relayerr.Protocol, "server", fmt.Sprintf("unexpected message type %T from client", msg))))
	}
}

func (s *Server) handleCreateTunnel(sess *ClientSession, req protocol.CreateTunnel) {
	if s.Config.Limits.MaxTunnelsPerClient > 0 && sess.TunnelCount() >= s.Config.Limits.MaxTunnelsPerClient {
		sess.send(protocol.Error{Code: protocol.ErrRateLimitExceeded, Message: "max_tunnels_per_client exceeded"})
		return
	}

	info, err := s.Tunnels.CreateTunnel(sess, req)
	if err != nil {
		audit.Write(s.audit, audit.Entry{
			ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "tunnel.create", Status: audit.StatusFailed,
			Detail: map[string]any{"reason": err.Error(), "name": req.Name},
		})
		if errors.Is(err, ErrPortRangeExhausted) {
			sess.send(protocol.Error{Code: protocol.ErrPortInUse, Message: err.Error()})
			return
		}
		sess.send(relayerr.ToWire(err))
		return
	}

	audit.Write(s.audit, audit.Entry{
		ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "tunnel.create", TunnelID: info.ID.String(),
		Status: audit.StatusSuccess, Detail: map[string]any{"remote_port": info.RemotePort, "name": info.Name},
	})
	sess.send(protocol.TunnelCreated{
		TunnelID:   info.ID,
		RemotePort: info.RemotePort,
		LocalPort:  info.LocalPort,
		Protocol:   info.Protocol,
		Name:       info.Name,
	})
}

func (s *Server) handleCloseTunnel(sess *ClientSession, req protocol.CloseTunnel) {
	if err := s.Tunnels.CloseTunnel(req.TunnelID, sess); err != nil {
		audit.Write(s.audit, audit.Entry{
			ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "tunnel.close", TunnelID: req.TunnelID.String(),
			Status: audit.StatusFailed, Detail: map[string]any{"reason": err.Error()},
		})
		sess.send(relayerr.ToWire(err))
		return
	}
	audit.Write(s.audit, audit.Entry{
		ClientID: sess.ClientID, PeerAddr: sess.PeerAddr, Action: "tunnel.close", TunnelID: req.TunnelID.String(),
		Status: audit.StatusSuccess,
	})
	sess.send(protocol.TunnelClosed{TunnelID: req.TunnelID, Reason: "Closed by client"})
}

func (s *Server) handleData(sess *ClientSession, msg protocol.Data) {
	if err := s.Tunnels.WriteData(msg.TunnelID, msg.ConnectionID, msg.Bytes, sess); err != nil {
		sess.send(relayerr.ToWire(err))
		return
	}
	sess.AddBytes(0, uint64(len(msg.Bytes)))
}

func (s *Server) handleConnectionClosed(sess *ClientSession, msg protocol.ConnectionClosed) {
	_ = s.Tunnels.CloseConnection(msg.TunnelID, msg.ConnectionID, sess)
}

func (s *Server) handleStatusRequest(sess *ClientSession) {
	tunnels := s.Tunnels.Snapshot(sess)
	connections := uint32(0)
	for _, t := range tunnels {
		connections += t.ActiveConnections
	}
	sess.send(protocol.Status{
		Tunnels:     tunnels,
		Connections: connections,
		UptimeSecs:  uint64(time.Since(s.startedAt).Seconds()),
	})
}
