package stun

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Address families.
const (
	familyIPv4 uint16 = 0x01
	familyIPv6 uint16 = 0x02
)

const (
	addrIPv4Size = 8
	addrIPv6Size = 20
)

func writeAddr(m *Message, t AttrType, ip net.IP, port int, xored bool) error {
	var (
		family = familyIPv4
		addr   = ip.To4()
	)
	if addr == nil {
		family = familyIPv6
		addr = ip.To16()
	}
	if addr == nil {
		return errors.Wrapf(ErrInvalidInput, "invalid ip for %s", t)
	}
	v := make([]byte, 4+len(addr))
	v[0] = 0
	v[1] = byte(family)
	bin.PutUint16(v[2:4], uint16(port))
	copy(v[4:], addr)
	if xored {
		bin.PutUint16(v[2:4], uint16(port)^uint16(MagicCookie>>16))
		xorBytes(v[4:], addr, m)
	}
	m.Add(t, v)
	return nil
}

func readAddr(m *Message, t AttrType, xored bool) (net.IP, int, error) {
	v, err := m.Get(t)
	if err != nil {
		return nil, 0, err
	}
	return parseAddr(v, m, t, xored)
}

func parseAddr(v []byte, m *Message, t AttrType, xored bool) (net.IP, int, error) {
	if len(v) != addrIPv4Size && len(v) != addrIPv6Size {
		return nil, 0, errors.Wrapf(ErrInvalidInput, "bad %s length %d", t, len(v))
	}
	family := uint16(v[1])
	switch {
	case family == familyIPv4 && len(v) == addrIPv4Size:
	case family == familyIPv6 && len(v) == addrIPv6Size:
	default:
		return nil, 0, errors.Wrapf(ErrInvalidInput, "bad %s family 0x%x", t, family)
	}
	port := int(bin.Uint16(v[2:4]))
	ip := make(net.IP, len(v)-4)
	copy(ip, v[4:])
	if xored {
		port ^= int(MagicCookie >> 16)
		xorBytes(ip, ip, m)
	}
	return ip, port, nil
}

// xorBytes xors src with the magic cookie (IPv4) or with the magic
// cookie concatenated with the transaction ID (IPv6) into dst.
func xorBytes(dst, src []byte, m *Message) {
	var xor [16]byte
	bin.PutUint32(xor[0:4], MagicCookie)
	copy(xor[4:], m.TransactionID[:])
	for i := range src {
		dst[i] = src[i] ^ xor[i]
	}
}

// MappedAddress is the MAPPED-ADDRESS attribute.
type MappedAddress struct {
	IP   net.IP
	Port int
}

func (a MappedAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo implements Setter.
func (a MappedAddress) AddTo(m *Message) error {
	return writeAddr(m, AttrMappedAddress, a.IP, a.Port, false)
}

// GetFrom implements Getter.
func (a *MappedAddress) GetFrom(m *Message) error {
	ip, port, err := readAddr(m, AttrMappedAddress, false)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// ResponseOrigin is the RESPONSE-ORIGIN attribute.
type ResponseOrigin struct {
	IP   net.IP
	Port int
}

func (a ResponseOrigin) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo implements Setter.
func (a ResponseOrigin) AddTo(m *Message) error {
	return writeAddr(m, AttrResponseOrigin, a.IP, a.Port, false)
}

// GetFrom implements Getter.
func (a *ResponseOrigin) GetFrom(m *Message) error {
	ip, port, err := readAddr(m, AttrResponseOrigin, false)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// XORMappedAddress is the XOR-MAPPED-ADDRESS attribute.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo implements Setter.
func (a XORMappedAddress) AddTo(m *Message) error {
	return writeAddr(m, AttrXORMappedAddress, a.IP, a.Port, true)
}

// GetFrom implements Getter.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	ip, port, err := readAddr(m, AttrXORMappedAddress, true)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// XORPeerAddress is the XOR-PEER-ADDRESS attribute.
type XORPeerAddress struct {
	IP   net.IP
	Port int
}

func (a XORPeerAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo implements Setter.
func (a XORPeerAddress) AddTo(m *Message) error {
	return writeAddr(m, AttrXORPeerAddress, a.IP, a.Port, true)
}

// GetFrom implements Getter.
func (a *XORPeerAddress) GetFrom(m *Message) error {
	ip, port, err := readAddr(m, AttrXORPeerAddress, true)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// GetAllPeerAddresses returns every XOR-PEER-ADDRESS in the message in
// order of appearance.
func GetAllPeerAddresses(m *Message) ([]XORPeerAddress, error) {
	var out []XORPeerAddress
	for _, raw := range m.Attributes {
		if raw.Type != AttrXORPeerAddress {
			continue
		}
		ip, port, err := parseAddr(raw.Value, m, raw.Type, true)
		if err != nil {
			return nil, err
		}
		out = append(out, XORPeerAddress{IP: ip, Port: port})
	}
	return out, nil
}

// XORRelayedAddress is the XOR-RELAYED-ADDRESS attribute.
type XORRelayedAddress struct {
	IP   net.IP
	Port int
}

func (a XORRelayedAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo implements Setter.
func (a XORRelayedAddress) AddTo(m *Message) error {
	return writeAddr(m, AttrXORRelayedAddress, a.IP, a.Port, true)
}

// GetFrom implements Getter.
func (a *XORRelayedAddress) GetFrom(m *Message) error {
	ip, port, err := readAddr(m, AttrXORRelayedAddress, true)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}
