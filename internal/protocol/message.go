// Package protocol defines the wire message set exchanged between a relay
// client and server over a single TLS control stream, and the framing used
// to put those messages on the wire.
//
// Every message is a tagged union: an envelope carrying a Type and a
// type-specific JSON payload. Encoding is deterministic and round-trip exact
// for every variant — see codec_test.go.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version advertised by Auth and AuthResponse.
// A mismatch between client and server versions is a fatal handshake error.
const Version uint32 = 1

// TunnelID uniquely identifies one tunnel for its entire lifetime.
// It is minted by the server at tunnel creation.
type TunnelID = uuid.UUID

// NewTunnelID returns a freshly minted, random TunnelID.
func NewTunnelID() TunnelID {
	return uuid.New()
}

// ConnectionID identifies one public-side socket within a tunnel.
// On a TCP tunnel it is monotonic per tunnel, starting at 1, and is never
// reused; on a UDP tunnel it is a hash of the peer's address.
type ConnectionID uint32

// TunnelProtocol is the transport carried by a tunnel's public listener.
type TunnelProtocol string

const (
	ProtocolTCP TunnelProtocol = "TCP"
	ProtocolUDP TunnelProtocol = "UDP"
)

// Valid reports whether p is one of the two recognized protocols.
func (p TunnelProtocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// ErrorCode is the machine-readable classification carried by an Error message.
type ErrorCode string

const (
	ErrAuthenticationFailed   ErrorCode = "AuthenticationFailed"
	ErrInvalidMessage         ErrorCode = "InvalidMessage"
	ErrTunnelNotFound         ErrorCode = "TunnelNotFound"
	ErrPortInUse              ErrorCode = "PortInUse"
	ErrPermissionDenied       ErrorCode = "PermissionDenied"
	ErrRateLimitExceeded      ErrorCode = "RateLimitExceeded"
	ErrInternalError          ErrorCode = "InternalError"
	ErrProtocolVersionMismatch ErrorCode = "ProtocolVersionMismatch"
)

// TunnelInfo is the server's record of one tunnel's identity and counters.
// It is mutated only by the server as bytes flow; torn down with the tunnel.
type TunnelInfo struct {
	ID                TunnelID       `json:"id"`
	Name              *string        `json:"name,omitempty"`
	Protocol          TunnelProtocol `json:"protocol"`
	LocalPort         uint16         `json:"local_port"`
	RemotePort        uint16         `json:"remote_port"`
	CreatedAt         time.Time      `json:"created_at"`
	BytesSent         uint64         `json:"bytes_sent"`
	BytesReceived     uint64         `json:"bytes_received"`
	ActiveConnections uint32         `json:"active_connections"`
}

// MessageType tags the payload carried by an Envelope.
type MessageType string

const (
	TypeAuth             MessageType = "Auth"
	TypeAuthResponse     MessageType = "AuthResponse"
	TypeCreateTunnel     MessageType = "CreateTunnel"
	TypeTunnelCreated    MessageType = "TunnelCreated"
	TypeCloseTunnel      MessageType = "CloseTunnel"
	TypeTunnelClosed     MessageType = "TunnelClosed"
	TypeNewConnection    MessageType = "NewConnection"
	TypeConnectionClosed MessageType = "ConnectionClosed"
	TypeData             MessageType = "Data"
	TypePing             MessageType = "Ping"
	TypePong             MessageType = "Pong"
	TypeStatusRequest    MessageType = "StatusRequest"
	TypeStatus           MessageType = "Status"
	TypeError            MessageType = "Error"
)

// Message is implemented by every payload type below. Type identifies which
// payload an Envelope carries so the decoder knows which struct to unmarshal
// into.
type Message interface {
	Type() MessageType
}

// Auth is sent client → server to open an authenticated session.
type Auth struct {
	Version  uint32 `json:"version"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

func (Auth) Type() MessageType { return TypeAuth }

// AuthResponse is sent server → client in reply to Auth.
type AuthResponse struct {
	Success       bool    `json:"success"`
	Error         *string `json:"error,omitempty"`
	ServerVersion uint32  `json:"server_version"`
}

func (AuthResponse) Type() MessageType { return TypeAuthResponse }

// CreateTunnel requests that the server open a public listener forwarding to
// local_port. RemotePort is a preferred port; nil means auto-assign.
type CreateTunnel struct {
	LocalPort  uint16         `json:"local_port"`
	RemotePort *uint16        `json:"remote_port,omitempty"`
	Protocol   TunnelProtocol `json:"protocol"`
	Name       *string        `json:"name,omitempty"`
}

func (CreateTunnel) Type() MessageType { return TypeCreateTunnel }

// TunnelCreated is the server's reply to a successful CreateTunnel. It echoes
// the caller-supplied Name and inferred Protocol — the client does not need
// to correlate this against a pending-request map.
type TunnelCreated struct {
	TunnelID   TunnelID       `json:"tunnel_id"`
	RemotePort uint16         `json:"remote_port"`
	LocalPort  uint16         `json:"local_port"`
	Protocol   TunnelProtocol `json:"protocol"`
	Name       *string        `json:"name,omitempty"`
}

func (TunnelCreated) Type() MessageType { return TypeTunnelCreated }

// CloseTunnel requests that the server tear down one of the caller's tunnels.
type CloseTunnel struct {
	TunnelID TunnelID `json:"tunnel_id"`
}

func (CloseTunnel) Type() MessageType { return TypeCloseTunnel }

// TunnelClosed notifies the client that a tunnel has been torn down.
type TunnelClosed struct {
	TunnelID TunnelID `json:"tunnel_id"`
	Reason   string   `json:"reason"`
}

func (TunnelClosed) Type() MessageType { return TypeTunnelClosed }

// NewConnection notifies the client that a public peer connected to one of
// its tunnels. ConnectionID is guaranteed to precede every Data and
// ConnectionClosed carrying the same id, on the same tunnel.
type NewConnection struct {
	TunnelID     TunnelID     `json:"tunnel_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	ClientAddr   string       `json:"client_addr"`
}

func (NewConnection) Type() MessageType { return TypeNewConnection }

// ConnectionClosed flows in both directions: server → client when the public
// socket closes, client → server when the local socket closes.
type ConnectionClosed struct {
	TunnelID     TunnelID     `json:"tunnel_id"`
	ConnectionID ConnectionID `json:"connection_id"`
}

func (ConnectionClosed) Type() MessageType { return TypeConnectionClosed }

// Data carries a chunk of bytes for one tunnel connection, in either direction.
type Data struct {
	TunnelID     TunnelID     `json:"tunnel_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	Bytes        []byte       `json:"data"`
}

func (Data) Type() MessageType { return TypeData }

// Ping/Pong are the heartbeat pair. Pong echoes the Ping's timestamp verbatim.
type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Ping) Type() MessageType { return TypePing }

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Pong) Type() MessageType { return TypePong }

// StatusRequest asks the server for a snapshot of the caller's session.
type StatusRequest struct{}

func (StatusRequest) Type() MessageType { return TypeStatusRequest }

// Status is the server's reply to StatusRequest.
type Status struct {
	Tunnels     []TunnelInfo `json:"tunnels"`
	Connections uint32       `json:"connections"`
	UptimeSecs  uint64       `json:"uptime_secs"`
}

func (Status) Type() MessageType { return TypeStatus }

// Error carries a machine-readable code plus a human-readable message, in
// either direction.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Error) Type() MessageType { return TypeError }

func (e Error) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
