package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nattun/relay/internal/config"
	"github.com/nattun/relay/internal/protocol"
)

// writeTestCert generates a throwaway self-signed ECDSA certificate and
// writes it (and its key) as PEM files under dir, returning their paths.
func writeTestCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	dir := t.TempDir()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("encode key: %v", err)
	}

	return certPath, keyPath
}

func newTestServer(t *testing.T, tokens []string) (*Server, string) {
	t.Helper()
	certPath, keyPath := writeTestCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probing a free port: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg := &config.ServerConfig{
		Network: config.NetworkConfig{BindAddr: "127.0.0.1", Port: addr.Port},
		TLS:     config.TlsConfig{CertPath: certPath, KeyPath: keyPath},
		Auth:    config.AuthConfig{Tokens: tokens, RequireAuth: true, MaxClientsPerToken: 0},
		Limits:  config.LimitsConfig{MaxTunnelsPerClient: 10, MaxConnectionsPerTunnel: 100},
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	// Override the fixed production port range with one scoped to this test
	// to avoid colliding with other tests/binding real system ports.
	srv.Tunnels = NewTunnelManager(59600, 59699, cfg.Limits.MaxConnectionsPerTunnel)
	srv.quota = NewQuotaSweeper(srv.Sessions, srv.Tunnels, cfg.Limits.ConnectionTimeout, cfg.Limits.MaxBandwidthMbps)

	go func() {
		_ = srv.ListenAndServe()
	}()
	waitForListener(t, addr.String())

	return srv, addr.String()
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}

func dialTLS(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	return conn
}

func readMsg(t *testing.T, conn net.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

func TestServer_S1_HappyTCPTunnel(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "c1"}); err != nil {
		t.Fatalf("WriteMessage(Auth): %v", err)
	}
	resp := readMsg(t, conn, 2*time.Second).(protocol.AuthResponse)
	if !resp.Success {
		t.Fatalf("AuthResponse.Success = false, want true")
	}

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("local echo listener: %v", err)
	}
	defer localLn.Close()
	localPort := uint16(localLn.Addr().(*net.TCPAddr).Port)
	go func() {
		c, err := localLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	name := "web"
	if err := protocol.WriteMessage(conn, protocol.CreateTunnel{LocalPort: localPort, Protocol: protocol.ProtocolTCP, Name: &name}); err != nil {
		t.Fatalf("WriteMessage(CreateTunnel): %v", err)
	}
	created := readMsg(t, conn, 2*time.Second).(protocol.TunnelCreated)
	if created.Name == nil || *created.Name != "web" {
		t.Errorf("TunnelCreated.Name = %v, want %q", created.Name, "web")
	}

	pub, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.RemotePort))))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer pub.Close()
	if _, err := pub.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write to public socket: %v", err)
	}

	nc := readMsg(t, conn, 2*time.Second).(protocol.NewConnection)
	data := readMsg(t, conn, 2*time.Second).(protocol.Data)
	if data.ConnectionID != nc.ConnectionID {
		t.Errorf("Data.ConnectionID = %d, want %d", data.ConnectionID, nc.ConnectionID)
	}

	if err := protocol.WriteMessage(conn, protocol.Data{TunnelID: created.TunnelID, ConnectionID: nc.ConnectionID, Bytes: data.Bytes}); err != nil {
		t.Fatalf("echo Data back to server: %v", err)
	}

	buf := make([]byte, len("hello\n"))
	pub.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(pub, buf); err != nil {
		t.Fatalf("reading echo off the public socket: %v", err)
	}
	if string(buf) != "hello\n" {
		t.Errorf("public socket got %q, want %q", buf, "hello\n")
	}
}

func TestServer_S2_WrongToken(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "WRONG", ClientID: "c1"})
	resp := readMsg(t, conn, 2*time.Second).(protocol.AuthResponse)
	if resp.Success {
		t.Fatal("AuthResponse.Success = true for a wrong token, want false")
	}
	if resp.Error == nil {
		t.Error("AuthResponse.Error should be set on failure")
	}
}

func TestServer_S3_VersionMismatch(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Auth{Version: 999, Token: "T", ClientID: "c1"})
	resp := readMsg(t, conn, 2*time.Second).(protocol.AuthResponse)
	if resp.Success {
		t.Fatal("AuthResponse.Success = true for a version mismatch, want false")
	}
	if resp.Error == nil || *resp.Error != "Protocol version mismatch" {
		t.Errorf("AuthResponse.Error = %v, want \"Protocol version mismatch\"", resp.Error)
	}
}

func TestServer_S4_PortCollision_SecondRequestGetsDifferentPort(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "c1"})
	readMsg(t, conn, 2*time.Second)

	preferred := uint16(59650)
	protocol.WriteMessage(conn, protocol.CreateTunnel{LocalPort: 1, RemotePort: &preferred, Protocol: protocol.ProtocolTCP})
	first := readMsg(t, conn, 2*time.Second).(protocol.TunnelCreated)
	if first.RemotePort != preferred {
		t.Fatalf("first RemotePort = %d, want %d", first.RemotePort, preferred)
	}

	protocol.WriteMessage(conn, protocol.CreateTunnel{LocalPort: 2, RemotePort: &preferred, Protocol: protocol.ProtocolTCP})
	msg := readMsg(t, conn, 2*time.Second)
	switch m := msg.(type) {
	case protocol.TunnelCreated:
		if m.RemotePort == preferred {
			t.Error("second CreateTunnel got the still-live first tunnel's port")
		}
	case protocol.Error:
		if m.Code != protocol.ErrPortInUse {
			t.Errorf("Error.Code = %v, want PortInUse", m.Code)
		}
	default:
		t.Fatalf("unexpected reply type %T", msg)
	}
}

func TestServer_S5_CloseTunnelScopedToOwner(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	connA := dialTLS(t, addr)
	defer connA.Close()
	connB := dialTLS(t, addr)
	defer connB.Close()

	protocol.WriteMessage(connA, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "a"})
	readMsg(t, connA, 2*time.Second)
	protocol.WriteMessage(connB, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "b"})
	readMsg(t, connB, 2*time.Second)

	protocol.WriteMessage(connA, protocol.CreateTunnel{LocalPort: 1, Protocol: protocol.ProtocolTCP})
	created := readMsg(t, connA, 2*time.Second).(protocol.TunnelCreated)

	protocol.WriteMessage(connB, protocol.CloseTunnel{TunnelID: created.TunnelID})
	reply := readMsg(t, connB, 2*time.Second)
	errMsg, ok := reply.(protocol.Error)
	if !ok {
		t.Fatalf("got %T, want Error (B must not be able to close A's tunnel)", reply)
	}
	if errMsg.Code != protocol.ErrPermissionDenied && errMsg.Code != protocol.ErrTunnelNotFound {
		t.Errorf("Error.Code = %v, want PermissionDenied or TunnelNotFound", errMsg.Code)
	}

	pub, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(created.RemotePort))))
	if err != nil {
		t.Fatal("tunnel A was torn down by B's unauthorized CloseTunnel")
	}
	pub.Close()
}

func TestServer_PreAuth_RejectsNonAuthMessages(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Ping{Timestamp: time.Now()})
	reply := readMsg(t, conn, 2*time.Second)
	errMsg, ok := reply.(protocol.Error)
	if !ok {
		t.Fatalf("got %T, want Error before authentication", reply)
	}
	if errMsg.Code != protocol.ErrAuthenticationFailed {
		t.Errorf("Error.Code = %v, want AuthenticationFailed", errMsg.Code)
	}

	// The stream must still be usable: a subsequent Auth should succeed.
	protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "c1"})
	resp := readMsg(t, conn, 2*time.Second).(protocol.AuthResponse)
	if !resp.Success {
		t.Error("Auth after a rejected pre-auth message should still succeed")
	}
}

func TestServer_Ping_EchoesPong(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "c1"})
	readMsg(t, conn, 2*time.Second)

	ts := time.Now().UTC().Truncate(time.Second)
	protocol.WriteMessage(conn, protocol.Ping{Timestamp: ts})
	pong := readMsg(t, conn, 2*time.Second).(protocol.Pong)
	if !pong.Timestamp.Equal(ts) {
		t.Errorf("Pong.Timestamp = %v, want %v", pong.Timestamp, ts)
	}
}

func TestServer_StatusRequest_ReflectsTunnels(t *testing.T) {
	_, addr := newTestServer(t, []string{"T"})
	conn := dialTLS(t, addr)
	defer conn.Close()

	protocol.WriteMessage(conn, protocol.Auth{Version: protocol.Version, Token: "T", ClientID: "c1"})
	readMsg(t, conn, 2*time.Second)

	protocol.WriteMessage(conn, protocol.CreateTunnel{LocalPort: 1, Protocol: protocol.ProtocolTCP})
	readMsg(t, conn, 2*time.Second)

	protocol.WriteMessage(conn, protocol.StatusRequest{})
	status := readMsg(t, conn, 2*time.Second).(protocol.Status)
	if len(status.Tunnels) != 1 {
		t.Errorf("Status.Tunnels len = %d, want 1", len(status.Tunnels))
	}
}

