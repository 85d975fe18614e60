package stun

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageTypeValue(t *testing.T) {
	for _, tc := range []struct {
		in  MessageType
		out uint16
	}{
		{BindingRequest, 0x0001},
		{BindingSuccess, 0x0101},
		{BindingError, 0x0111},
		{AllocateRequest, 0x0003},
		{AllocateSuccess, 0x0103},
		{AllocateError, 0x0113},
		{RefreshRequest, 0x0004},
		{CreatePermissionRequest, 0x0008},
		{ChannelBindRequest, 0x0009},
		{SendIndication, 0x0016},
		{DataIndication, 0x0017},
	} {
		if got := tc.in.Value(); got != tc.out {
			t.Errorf("%s: got 0x%04x, want 0x%04x", tc.in, got, tc.out)
		}
		var decoded MessageType
		decoded.ReadValue(tc.out)
		if decoded != tc.in {
			t.Errorf("0x%04x: got %s, want %s", tc.out, decoded, tc.in)
		}
	}
}

func TestMessageDecodeEncodeRoundTrip(t *testing.T) {
	m := New()
	if err := m.Build(
		BindingRequest,
		NewUsername("panda"),
		NewRealm("localhost"),
		NewNonce("UHm1hiE0jm9r9rGS"),
		NewSoftware("turnd"),
	); err != nil {
		t.Fatal(err)
	}
	decoded := &Message{Raw: append([]byte(nil), m.Raw...)}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != BindingRequest {
		t.Errorf("type mismatch: %s", decoded.Type)
	}
	if decoded.TransactionID != m.TransactionID {
		t.Error("transaction id mismatch")
	}
	var u Username
	if err := u.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if u.String() != "panda" {
		t.Errorf("username: got %q", u)
	}
	var n Nonce
	if err := n.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if n.String() != "UHm1hiE0jm9r9rGS" {
		t.Errorf("nonce: got %q", n)
	}
	if !bytes.Equal(decoded.Raw, m.Raw) {
		t.Error("raw mismatch after decode")
	}
}

func TestMessageDecodeErrors(t *testing.T) {
	valid := MustBuild(BindingRequest, NewSoftware("x")).Raw
	for _, tc := range []struct {
		name string
		buf  func() []byte
		err  error
	}{
		{
			name: "truncated header",
			buf:  func() []byte { return valid[:10] },
			err:  ErrInvalidInput,
		},
		{
			name: "bad magic",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				b[4] = 0xde
				return b
			},
			err: ErrNotFoundMagicNumber,
		},
		{
			name: "unknown method",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				b[0], b[1] = 0x00, 0x0f
				return b
			},
			err: ErrUnknownMethod,
		},
		{
			name: "attribute overflow",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				// Claim a longer attribute than the buffer holds.
				b[23] = 0xff
				return b
			},
			err: ErrInvalidInput,
		},
		{
			name: "top bits set",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				b[0] |= 0xC0
				return b
			},
			err: ErrInvalidInput,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{Raw: tc.buf()}
			if err := m.Decode(); !errors.Is(err, tc.err) {
				t.Errorf("got %v, want %v", err, tc.err)
			}
		})
	}
}

func TestMessageSize(t *testing.T) {
	m := MustBuild(BindingRequest, NewSoftware("abc"))
	n, err := MessageSize(m.Raw, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(m.Raw) {
		t.Errorf("udp message size: got %d, want %d", n, len(m.Raw))
	}
	n, err = MessageSize(m.Raw, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(m.Raw) {
		t.Errorf("tcp message size: got %d, want %d", n, len(m.Raw))
	}

	cdata := &ChannelData{Number: 0x4000, Data: []byte{1, 2, 3}}
	cdata.Encode()
	if n, err = MessageSize(cdata.Raw, false); err != nil || n != 7 {
		t.Errorf("udp channel data size: got %d, %v; want 7", n, err)
	}
	if n, err = MessageSize(cdata.Raw, true); err != nil || n != 8 {
		t.Errorf("tcp channel data size: got %d, %v; want 8 (padded)", n, err)
	}

	if _, err = MessageSize([]byte{0x80, 0x00}, false); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad prefix: got %v", err)
	}
	if _, err = MessageSize(nil, false); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty: got %v", err)
	}
}

func TestIsMessageIsChannelData(t *testing.T) {
	if !IsMessage([]byte{0x00}) || IsMessage([]byte{0x40}) || IsMessage([]byte{0x80}) {
		t.Error("IsMessage prefix check broken")
	}
	if !IsChannelData([]byte{0x40}) || IsChannelData([]byte{0x00}) || IsChannelData([]byte{0xC0}) {
		t.Error("IsChannelData prefix check broken")
	}
}

func TestAttributePadding(t *testing.T) {
	m := New()
	// 5-byte value pads to 8 on the wire.
	m.Build(BindingRequest, NewUsername("panda"))
	if (len(m.Raw)-MessageHeaderSize)%4 != 0 {
		t.Error("attributes not padded to 4 bytes")
	}
	raw, ok := m.Attributes.Get(AttrUsername)
	if !ok {
		t.Fatal("username attribute missing")
	}
	if raw.Length != 5 || len(raw.Value) != 5 {
		t.Errorf("padding leaked into value: %d/%d", raw.Length, len(raw.Value))
	}
}

func TestAttributeViewsBorrow(t *testing.T) {
	m := MustBuild(BindingRequest, NewUsername("panda"), NewSoftware("x"))
	decoded := &Message{Raw: append([]byte(nil), m.Raw...)}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	for _, a := range decoded.Attributes {
		if a.Offset < MessageHeaderSize || a.Offset+attrHeaderSize+int(a.Length) > len(decoded.Raw) {
			t.Errorf("attribute %s range outside buffer", a.Type)
		}
		start := a.Offset + attrHeaderSize
		if !bytes.Equal(decoded.Raw[start:start+int(a.Length)], a.Value) {
			t.Errorf("attribute %s value is not a view into raw", a.Type)
		}
	}
}
