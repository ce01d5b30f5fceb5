package relayerr

import "github.com/nattun/relay/internal/protocol"

// WireCode maps a Kind onto the machine-readable code carried by a wire
// Error message. Kinds with no natural wire counterpart (Network, Tls,
// Config, Timeout) fall back to InternalError — they are transport-local failures the peer cannot
// act on.
func (k Kind) WireCode() protocol.ErrorCode {
	switch k {
	case Authentication:
		return protocol.ErrAuthenticationFailed
	case Serialization, Protocol:
		return protocol.ErrInvalidMessage
	case Tunnel:
		return protocol.ErrTunnelNotFound
	case Connection:
		return protocol.ErrPermissionDenied
	default:
		return protocol.ErrInternalError
	}
}

// ToWire turns err into a wire Error message. If err does not carry a Kind,
// it is reported as InternalError with its plain message.
func ToWire(err error) protocol.Error {
	if kind, ok := KindOf(err); ok {
		return protocol.Error{Code: kind.WireCode(), Message: err.Error()}
	}
	return protocol.Error{Code: protocol.ErrInternalError, Message: err.Error()}
}
