// Package client implements the relay client: the TLS control connection,
// authentication handshake, heartbeat, tunnel bookkeeping, and the local
// TCP/UDP proxies that bridge a tunnel's Data messages onto 127.0.0.1.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/nattun/relay/internal/config"
	"github.com/nattun/relay/internal/protocol"
)

// ConnectionState mirrors the client's observable state machine:
// Disconnected -> Connecting -> Connected -> Authenticated, with Error or
// Disconnected reachable from any state.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "Disconnected"
	StateConnecting    ConnectionState = "Connecting"
	StateConnected     ConnectionState = "Connected"
	StateAuthenticated ConnectionState = "Authenticated"
	StateError         ConnectionState = "Error"
)

// heartbeatInterval is fixed, not configurable, per the control protocol.
const heartbeatInterval = 30 * time.Second

// outboundBufferSize bounds the per-attempt outbound queue, mirroring the
// server's own bounded-channel choice over a truly unbounded one.
const outboundBufferSize = 4096

// dialTimeout bounds the initial TCP+TLS handshake.
const dialTimeout = 10 * time.Second

// ErrNotConnected is returned by CreateTunnel/CloseTunnel when no control
// stream is currently up.
var ErrNotConnected = errors.New("client: not connected")

// TunnelInfo is the client's local record of a tunnel it owns.
type TunnelInfo struct {
	ID         protocol.TunnelID
	Name       string
	Protocol   protocol.TunnelProtocol
	LocalPort  uint16
	RemotePort uint16
}

// Stats is a read-only snapshot returned by Client.Stats.
type Stats struct {
	State          ConnectionState
	ConnectedAt    time.Time
	ReconnectCount uint32
	LastPingTime   time.Time
}

// Client owns one relay control connection plus whatever local proxies its
// active tunnels need. Safe for concurrent use; CreateTunnel/CloseTunnel may
// be called from any goroutine while RunWithReconnect drives the connection.
type Client struct {
	cfg    *config.ClientConfig
	tlsCfg *tls.Config

	mu      sync.RWMutex
	state   ConnectionState
	errMsg  string
	tunnels map[protocol.TunnelID]TunnelInfo
	stats   Stats

	// outbound and conn are non-nil only while a control stream is up.
	// closeFn aborts the current attempt (used when a fatal Error arrives).
	outbound chan protocol.Message
	conn     net.Conn
	closeFn  func()

	proxies    *proxyTable
	udpProxies *udpProxyTable
}

// New builds a Client from cfg. It logs nothing itself; a tls_verify=false
// warning is logged by runOnce on every connect attempt.
func New(cfg *config.ClientConfig) *Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.Server.TlsVerify,
		ServerName:         cfg.Server.Addr,
	}
	return &Client{
		cfg:        cfg,
		tlsCfg:     tlsCfg,
		state:      StateDisconnected,
		tunnels:    make(map[protocol.TunnelID]TunnelInfo),
		proxies:    newProxyTable(),
		udpProxies: newUDPProxyTable(),
	}
}

// State returns the current ConnectionState.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnectionState, errMsg string) {
	c.mu.Lock()
	c.state = s
	c.errMsg = errMsg
	c.mu.Unlock()
}

// Tunnels returns a snapshot of every tunnel this client currently owns.
func (c *Client) Tunnels() []TunnelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TunnelInfo, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		out = append(out, t)
	}
	return out
}

// Stats returns a read-only snapshot of connection statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.State = c.state
	return s
}

// CreateTunnel enqueues a CreateTunnel request and returns immediately
// without waiting for the server's TunnelCreated/Error reply.
func (c *Client) CreateTunnel(localPort uint16, remotePort *uint16, proto protocol.TunnelProtocol, name *string) error {
	c.mu.RLock()
	ob := c.outbound
	c.mu.RUnlock()
	if ob == nil {
		return ErrNotConnected
	}
	select {
	case ob <- protocol.CreateTunnel{LocalPort: localPort, RemotePort: remotePort, Protocol: proto, Name: name}:
		return nil
	default:
		return fmt.Errorf("client: outbound queue full")
	}
}

// CloseTunnel enqueues a CloseTunnel request for tid.
func (c *Client) CloseTunnel(tid protocol.TunnelID) error {
	c.mu.RLock()
	ob := c.outbound
	c.mu.RUnlock()
	if ob == nil {
		return ErrNotConnected
	}
	select {
	case ob <- protocol.CloseTunnel{TunnelID: tid}:
		return nil
	default:
		return fmt.Errorf("client: outbound queue full")
	}
}

// RunWithReconnect executes the connect/authenticate/serve loop, honoring
// auto_reconnect. It returns when ctx is cancelled, or — if auto_reconnect
// is false — after the first attempt ends.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.cfg.Server.AutoReconnect {
			return err
		}

		c.mu.Lock()
		c.stats.ReconnectCount++
		c.mu.Unlock()
		log.Printf("[client] reconnecting in %s: %v", c.cfg.Server.ReconnectInterval, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Server.ReconnectInterval):
		}
	}
}

// runOnce performs one connect-authenticate-serve attempt end to end,
// returning once the control stream ends for any reason.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting, "")

	if !c.cfg.Server.TlsVerify {
		log.Printf("[client] WARNING: tls_verify=false, accepting any server certificate")
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Server.Addr, c.cfg.Server.Port)
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, c.tlsCfg)
	if err != nil {
		c.setState(StateError, err.Error())
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}
	defer conn.Close()
	c.setState(StateConnected, "")

	if err := protocol.WriteMessage(conn, protocol.Auth{
		Version: protocol.Version, Token: c.cfg.Server.Token, ClientID: c.cfg.Server.ClientID,
	}); err != nil {
		c.setState(StateError, err.Error())
		return fmt.Errorf("client: write Auth: %w", err)
	}

	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		c.setState(StateError, err.Error())
		return fmt.Errorf("client: read AuthResponse: %w", err)
	}
	ar, ok := resp.(protocol.AuthResponse)
	if !ok {
		c.setState(StateError, "unexpected first reply from server")
		return fmt.Errorf("client: unexpected message %T while awaiting AuthResponse", resp)
	}
	// The Authenticated transition happens only here, on a successful
	// AuthResponse with a matching server_version — never optimistically
	// right after sending Auth.
	if !ar.Success || ar.ServerVersion != protocol.Version {
		reason := "authentication rejected"
		if ar.Error != nil {
			reason = *ar.Error
		}
		c.setState(StateError, reason)
		return fmt.Errorf("client: %s", reason)
	}

	var closeOnce sync.Once
	c.mu.Lock()
	c.state = StateAuthenticated
	c.errMsg = ""
	c.stats.ConnectedAt = time.Now().UTC()
	c.outbound = make(chan protocol.Message, outboundBufferSize)
	c.conn = conn
	c.closeFn = func() { closeOnce.Do(func() { conn.Close() }) }
	ob := c.outbound
	c.mu.Unlock()
	log.Printf("[client] authenticated as %s", c.cfg.Server.ClientID)

	defer func() {
		c.mu.Lock()
		c.outbound = nil
		c.conn = nil
		c.closeFn = nil
		c.tunnels = make(map[protocol.TunnelID]TunnelInfo)
		c.mu.Unlock()
		c.proxies.closeAll()
		c.udpProxies.closeAll()
		c.setState(StateDisconnected, "")
	}()

	for _, tc := range c.cfg.Tunnels {
		if !tc.AutoStart {
			continue
		}
		name := tc.Name
		if err := c.CreateTunnel(tc.LocalPort, tc.RemotePort, tc.Protocol, &name); err != nil {
			log.Printf("[client] auto-start tunnel %s: %v", tc.Name, err)
		}
	}

	readerDone := make(chan error, 1)
	writerDone := make(chan error, 1)
	heartbeatDone := make(chan error, 1)
	loopDone := make(chan struct{})
	defer close(loopDone)

	go func() { readerDone <- c.readerLoop(conn) }()
	go func() { writerDone <- c.writerLoop(conn, ob, loopDone) }()
	go func() { heartbeatDone <- c.heartbeatLoop(ob, loopDone) }()

	select {
	case err := <-readerDone:
		return err
	case err := <-writerDone:
		return err
	case err := <-heartbeatDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readerLoop decodes messages until the stream ends or a fatal framing
// error occurs. A single malformed frame is logged and skipped, matching
// the decoder's documented contract.
func (c *Client) readerLoop(conn net.Conn) error {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if isFatalReadError(err) {
				return fmt.Errorf("client: read: %w", err)
			}
			log.Printf("[client] dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

// writerLoop drains ob and writes each message to conn until done fires or
// a write fails.
func (c *Client) writerLoop(conn net.Conn, ob <-chan protocol.Message, done <-chan struct{}) error {
	for {
		select {
		case msg := <-ob:
			if err := protocol.WriteMessage(conn, msg); err != nil {
				return fmt.Errorf("client: write: %w", err)
			}
		case <-done:
			return nil
		}
	}
}

// heartbeatLoop emits Ping{now} every 30 seconds. Per §4.2, a failed send
// (the outbound queue staying full) ends the heartbeat task, which in turn
// ends the attempt.
func (c *Client) heartbeatLoop(ob chan<- protocol.Message, done <-chan struct{}) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			select {
			case ob <- protocol.Ping{Timestamp: t.UTC()}:
			case <-done:
				return nil
			default:
				return fmt.Errorf("client: heartbeat send failed: outbound queue full")
			}
		case <-done:
			return nil
		}
	}
}

// isFatalReadError reports whether err ends the control stream outright,
// as opposed to a recoverable decode failure on an otherwise well-framed
// payload.
func isFatalReadError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, protocol.ErrFrameTooLarge)
}

// dispatch routes one server-originated message to its handler.
func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.TunnelCreated:
		name := ""
		if m.Name != nil {
			name = *m.Name
		}
		c.mu.Lock()
		c.tunnels[m.TunnelID] = TunnelInfo{
			ID: m.TunnelID, Name: name, Protocol: m.Protocol, LocalPort: m.LocalPort, RemotePort: m.RemotePort,
		}
		c.mu.Unlock()
		log.Printf("[client] tunnel %s created: %s 127.0.0.1:%d -> :%d", m.TunnelID, m.Protocol, m.LocalPort, m.RemotePort)

	case protocol.TunnelClosed:
		c.mu.Lock()
		delete(c.tunnels, m.TunnelID)
		c.mu.Unlock()
		c.proxies.closeForTunnel(m.TunnelID)
		c.udpProxies.closeForTunnel(m.TunnelID)
		log.Printf("[client] tunnel %s closed: %s", m.TunnelID, m.Reason)

	case protocol.NewConnection:
		c.handleNewConnection(m)

	case protocol.Data:
		c.handleData(m)

	case protocol.ConnectionClosed:
		c.proxies.close(m.TunnelID, m.ConnectionID)
		c.udpProxies.close(m.TunnelID, m.ConnectionID)

	case protocol.Pong:
		c.mu.Lock()
		c.stats.LastPingTime = m.Timestamp
		c.mu.Unlock()

	case protocol.Error:
		log.Printf("[client] server error: %s", m)
		if m.Code == protocol.ErrAuthenticationFailed || m.Code == protocol.ErrProtocolVersionMismatch {
			c.abortAttempt()
		}

	default:
		log.Printf("[client] unexpected message type %T from server", msg)
	}
}

// abortAttempt closes the current attempt's control connection, forcing
// readerLoop to unwind so RunWithReconnect can retry (or exit, if
// auto_reconnect is off) — used for Error codes the spec calls fatal.
func (c *Client) abortAttempt() {
	c.mu.RLock()
	closeFn := c.closeFn
	c.mu.RUnlock()
	if closeFn != nil {
		closeFn()
	}
}

func (c *Client) handleNewConnection(m protocol.NewConnection) {
	c.mu.RLock()
	tun, ok := c.tunnels[m.TunnelID]
	ob := c.outbound
	c.mu.RUnlock()
	if !ok || ob == nil {
		return
	}
	if !c.proxies.open(m.TunnelID, m.ConnectionID, tun.LocalPort, ob) {
		c.sendBestEffort(ob, protocol.ConnectionClosed{TunnelID: m.TunnelID, ConnectionID: m.ConnectionID})
	}
}

// sendBestEffort enqueues msg without blocking the caller (normally
// dispatch, running on the reader goroutine) if the outbound queue happens
// to be full.
func (c *Client) sendBestEffort(ob chan<- protocol.Message, msg protocol.Message) {
	select {
	case ob <- msg:
	default:
		log.Printf("[client] outbound queue full, dropping %T", msg)
	}
}

func (c *Client) handleData(m protocol.Data) {
	c.mu.RLock()
	tun, ok := c.tunnels[m.TunnelID]
	ob := c.outbound
	c.mu.RUnlock()
	if !ok || ob == nil {
		return
	}

	if tun.Protocol == protocol.ProtocolUDP {
		c.udpProxies.write(m.TunnelID, m.ConnectionID, tun.LocalPort, m.Bytes, ob)
		return
	}
	if !c.proxies.write(m.TunnelID, m.ConnectionID, m.Bytes) {
		c.sendBestEffort(ob, protocol.ConnectionClosed{TunnelID: m.TunnelID, ConnectionID: m.ConnectionID})
	}
}
