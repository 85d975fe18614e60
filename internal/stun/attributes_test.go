package stun

import (
	"errors"
	"testing"
	"time"
)

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, code := range []ErrorCode{
		CodeBadRequest,
		CodeUnauthorized,
		CodeForbidden,
		CodeAllocMismatch,
		CodeStaleNonce,
		CodeUnsupportedTransProto,
		CodeInsufficientCapacity,
		CodeServerError,
	} {
		m := MustBuild(AllocateError, code)
		decoded := &Message{Raw: append([]byte(nil), m.Raw...)}
		if err := decoded.Decode(); err != nil {
			t.Fatal(err)
		}
		var a ErrorCodeAttribute
		if err := a.GetFrom(decoded); err != nil {
			t.Fatal(err)
		}
		if a.Code != code {
			t.Errorf("got %d, want %d", a.Code, code)
		}
		if string(a.Reason) != code.Reason() {
			t.Errorf("reason: got %q, want %q", a.Reason, code.Reason())
		}
	}
}

func TestErrorCodeOutOfRange(t *testing.T) {
	m := New()
	m.Build(AllocateError)
	m.Add(AttrErrorCode, []byte{0, 0, 7, 0, 'x'})
	var a ErrorCodeAttribute
	if err := a.GetFrom(m); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestLifetimeRoundTrip(t *testing.T) {
	m := MustBuild(RefreshRequest, Lifetime{Duration: 600 * time.Second})
	var l Lifetime
	if err := l.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if l.Duration != 600*time.Second {
		t.Errorf("got %s", l.Duration)
	}
}

func TestRequestedTransport(t *testing.T) {
	m := MustBuild(AllocateRequest, RequestedTransport{Protocol: ProtoUDP})
	var rt RequestedTransport
	if err := rt.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if rt.Protocol != ProtoUDP {
		t.Errorf("got %s", rt.Protocol)
	}
}

func TestChannelNumberAttr(t *testing.T) {
	m := MustBuild(ChannelBindRequest, ChannelNumber(0x4000))
	var n ChannelNumber
	if err := n.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if n != 0x4000 {
		t.Errorf("got %s", n)
	}

	// Out of range on the wire fails decoding.
	bad := New()
	bad.Build(ChannelBindRequest)
	bad.Add(AttrChannelNumber, []byte{0x4F, 0xFF, 0, 0})
	if err := n.GetFrom(bad); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestPasswordAlgorithmsRoundTrip(t *testing.T) {
	m := MustBuild(AllocateError, PasswordAlgorithms{AlgorithmMD5, AlgorithmSHA256})
	var a PasswordAlgorithms
	if err := a.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || a[0] != AlgorithmMD5 || a[1] != AlgorithmSHA256 {
		t.Errorf("got %v", a)
	}
}

func TestUnknownAttributesRoundTrip(t *testing.T) {
	m := MustBuild(AllocateError, UnknownAttributes{AttrLifetime, AttrRealm})
	var a UnknownAttributes
	if err := a.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || a[0] != AttrLifetime || a[1] != AttrRealm {
		t.Errorf("got %v", a)
	}
}

func TestTextAttributeNotUTF8(t *testing.T) {
	m := New()
	m.Build(AllocateRequest)
	m.Add(AttrUsername, []byte{0xff, 0xfe})
	var u Username
	if err := u.GetFrom(m); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestGetMissingAttribute(t *testing.T) {
	m := MustBuild(BindingRequest)
	var u Username
	if err := u.GetFrom(m); !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("got %v, want ErrAttributeNotFound", err)
	}
}

func TestFirstAttributeWins(t *testing.T) {
	m := MustBuild(AllocateRequest, NewUsername("first"), NewUsername("second"))
	var u Username
	if err := u.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if u.String() != "first" {
		t.Errorf("got %q, want first", u)
	}
}
