package stun

import (
	"errors"
	"net"
	"testing"
)

func TestXORAddressRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		ip   net.IP
		port int
	}{
		{"v4", net.IPv4(127, 0, 0, 1), 51678},
		{"v4 high port", net.IPv4(192, 168, 1, 100), 65535},
		{"v6", net.ParseIP("2001:db8::1"), 3478},
		{"v6 loopback", net.ParseIP("::1"), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := MustBuild(BindingRequest,
				XORMappedAddress{IP: tc.ip, Port: tc.port},
				XORPeerAddress{IP: tc.ip, Port: tc.port},
				XORRelayedAddress{IP: tc.ip, Port: tc.port},
				MappedAddress{IP: tc.ip, Port: tc.port},
				ResponseOrigin{IP: tc.ip, Port: tc.port},
			)
			decoded := &Message{Raw: append([]byte(nil), m.Raw...)}
			if err := decoded.Decode(); err != nil {
				t.Fatal(err)
			}
			var (
				xm XORMappedAddress
				xp XORPeerAddress
				xr XORRelayedAddress
				ma MappedAddress
				ro ResponseOrigin
			)
			for _, g := range []Getter{&xm, &xp, &xr, &ma, &ro} {
				if err := g.GetFrom(decoded); err != nil {
					t.Fatal(err)
				}
			}
			for name, got := range map[string]XORMappedAddress{
				"xor-mapped":  xm,
				"xor-peer":    XORMappedAddress(xp),
				"xor-relayed": XORMappedAddress(xr),
				"mapped":      XORMappedAddress(ma),
				"origin":      XORMappedAddress(ro),
			} {
				if !got.IP.Equal(tc.ip) || got.Port != tc.port {
					t.Errorf("%s: got %s, want %s:%d", name, got, tc.ip, tc.port)
				}
			}
		})
	}
}

func TestXORAddressObfuscation(t *testing.T) {
	// The on-wire port must differ from the clear port by the top 16
	// bits of the magic cookie.
	m := MustBuild(BindingRequest, XORMappedAddress{IP: net.IPv4(127, 0, 0, 1), Port: 51678})
	raw, ok := m.Attributes.Get(AttrXORMappedAddress)
	if !ok {
		t.Fatal("attribute missing")
	}
	wirePort := int(bin.Uint16(raw.Value[2:4]))
	if wirePort == 51678 {
		t.Error("port not obfuscated")
	}
	if wirePort^int(MagicCookie>>16) != 51678 {
		t.Errorf("wrong obfuscation: 0x%04x", wirePort)
	}
	if raw.Value[4]^byte(MagicCookie>>24) != 127 {
		t.Error("address not xored with magic")
	}
}

func TestAddressDecodeErrors(t *testing.T) {
	build := func(value []byte) *Message {
		m := New()
		m.Build(BindingRequest)
		m.Add(AttrXORMappedAddress, value)
		return m
	}
	for _, tc := range []struct {
		name  string
		value []byte
	}{
		{"short", []byte{0, 1, 2}},
		{"bad family", []byte{0, 3, 0, 0, 1, 2, 3, 4}},
		{"family length mismatch", append([]byte{0, 1, 0, 0}, make([]byte, 16)...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var a XORMappedAddress
			if err := a.GetFrom(build(tc.value)); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestGetAllPeerAddresses(t *testing.T) {
	m := MustBuild(CreatePermissionRequest,
		XORPeerAddress{IP: net.IPv4(127, 0, 0, 1), Port: 50001},
		XORPeerAddress{IP: net.IPv4(127, 0, 0, 1), Port: 50002},
	)
	decoded := &Message{Raw: append([]byte(nil), m.Raw...)}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	peers, err := GetAllPeerAddresses(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].Port != 50001 || peers[1].Port != 50002 {
		t.Errorf("order not preserved: %v", peers)
	}
}
