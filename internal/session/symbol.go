// Package session implements the process-wide session store: sessions,
// nonces, the relay port allocator, channel bindings, permissions and
// the lifetime sweeper.
package session

import (
	"fmt"
	"net/netip"
)

// Transport is the client-facing transport of a session.
type Transport uint8

// Supported transports. TLS sessions are TCP at this layer.
const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("0x%x", uint8(t))
	}
}

// Symbol identifies a session: the client source address, the server
// interface it arrived on and the transport. Two transports from the
// same source are distinct sessions. Symbol is a value type and is used
// as the key of every session-scoped table.
type Symbol struct {
	Source    netip.AddrPort
	Interface netip.AddrPort
	Transport Transport
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s->%s (%s)", s.Source, s.Interface, s.Transport)
}
