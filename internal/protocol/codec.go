package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload the decoder will accept. A frame whose
// declared length exceeds this is a fatal framing error — the stream is
// closed, not just the frame dropped.
const MaxFrameSize = 1 << 20 // 1 MiB

// envelope is the on-wire tagged-union representation: a Type discriminator
// plus the type-specific payload as raw JSON. Marshaling a Message produces
// an envelope; unmarshaling dispatches on Type to pick the concrete struct.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg to its deterministic, round-trip-exact byte
// representation: a JSON envelope wrapping the type-specific JSON payload.
// This is the "self-describing serialized Message value" the framing layer
// length-prefixes.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Payload: payload})
}

// Decode parses a single self-describing Message from data (the payload of
// one frame, length prefix already stripped).
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeCreateTunnel:
		msg = &CreateTunnel{}
	case TypeTunnelCreated:
		msg = &TunnelCreated{}
	case TypeCloseTunnel:
		msg = &CloseTunnel{}
	case TypeTunnelClosed:
		msg = &TunnelClosed{}
	case TypeNewConnection:
		msg = &NewConnection{}
	case TypeConnectionClosed:
		msg = &ConnectionClosed{}
	case TypeData:
		msg = &Data{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeStatusRequest:
		msg = &StatusRequest{}
	case TypeStatus:
		msg = &Status{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", env.Type, err)
		}
	}
	return derefMessage(msg), nil
}

// derefMessage returns the pointed-to value so callers get the same concrete
// type back whether they pass Auth{} or *Auth{} into Encode.
func derefMessage(msg Message) Message {
	switch m := msg.(type) {
	case *Auth:
		return *m
	case *AuthResponse:
		return *m
	case *CreateTunnel:
		return *m
	case *TunnelCreated:
		return *m
	case *CloseTunnel:
		return *m
	case *TunnelClosed:
		return *m
	case *NewConnection:
		return *m
	case *ConnectionClosed:
		return *m
	case *Data:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *StatusRequest:
		return *m
	case *Status:
		return *m
	case *Error:
		return *m
	default:
		return msg
	}
}

// WriteMessage frames and writes msg: a 4-byte big-endian length prefix
// followed by that many bytes of encoded payload. Writers must serialize
// calls to WriteMessage against a single stream themselves (see
// internal/server and internal/client, which fan every send through one
// goroutine draining an outbound channel).
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("protocol: encoded %s is %d bytes, exceeds max frame size %d", msg.Type(), len(data), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ErrFrameTooLarge is returned by ReadMessage when a frame declares a length
// greater than MaxFrameSize. The caller MUST treat this as fatal and close
// the stream — unlike a decode failure, a too-large frame is not safely
// skippable (the "bad" bytes can't be located without acting on the
// declared length).
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d byte limit", MaxFrameSize)

// ReadMessage reads one length-prefixed frame and decodes it.
//
// A short read during either phase (length or payload) returns io.EOF or
// io.ErrUnexpectedEOF unchanged — callers treat that as a clean stream
// termination. A frame whose declared length exceeds MaxFrameSize returns
// ErrFrameTooLarge and the caller MUST close the stream. A frame that reads
// fully but fails to decode returns a decode error that the caller MAY log
// and continue reading the next frame — one malformed frame does not poison
// the stream.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return Decode(data)
}
