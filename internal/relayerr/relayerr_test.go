package relayerr

import (
	"errors"
	"testing"

	"github.com/nattun/relay/internal/protocol"
)

func TestWrap_NilErrReturnsNil(t *testing.T) {
	if err := Wrap(Network, "server", "accept", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Network, "server", "dial upstream", cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestKindOf(t *testing.T) {
	err := New(Authentication, "server", "bad token")
	kind, ok := KindOf(err)
	if !ok || kind != Authentication {
		t.Errorf("KindOf() = (%v, %v), want (%v, true)", kind, ok, Authentication)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Errorf("KindOf(plain error) = true, want false")
	}
}

func TestToWire(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.ErrorCode
	}{
		{New(Authentication, "server", "bad token"), protocol.ErrAuthenticationFailed},
		{New(Tunnel, "server", "no such tunnel"), protocol.ErrTunnelNotFound},
		{New(Connection, "server", "not your tunnel"), protocol.ErrPermissionDenied},
		{New(Protocol, "server", "bad frame"), protocol.ErrInvalidMessage},
		{errors.New("plain"), protocol.ErrInternalError},
	}
	for _, c := range cases {
		got := ToWire(c.err)
		if got.Code != c.want {
			t.Errorf("ToWire(%v).Code = %s, want %s", c.err, got.Code, c.want)
		}
	}
}
