package session

import (
	"net/netip"
	"time"

	"go.uber.org/atomic"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// channelBinding is one side of the bidirectional channel table entry.
type channelBinding struct {
	peer     netip.AddrPort
	deadline time.Time
}

// Session is protocol-level state for one client transport binding. All
// fields except the traffic counters are guarded by the owning Store's
// mutex; that mutex is shared by all sessions, there is no lock per
// session.
type Session struct {
	symbol Symbol

	authenticated bool
	username      string
	password      stun.Password

	hasPort bool
	port    uint16

	permissions map[uint16]struct{}
	channels    map[stun.ChannelNumber]channelBinding
	peers       map[netip.AddrPort]stun.ChannelNumber

	expiresAt     time.Time
	nonce         string
	nonceDeadline time.Time

	// Relayed traffic counters, written from the forwarding paths
	// without taking the session lock.
	RecvBytes atomic.Uint64
	SendBytes atomic.Uint64
	RecvPkts  atomic.Uint64
	SendPkts  atomic.Uint64
}

func newSession(symbol Symbol, now time.Time, nonceLifetime time.Duration) *Session {
	return &Session{
		symbol:        symbol,
		permissions:   make(map[uint16]struct{}),
		channels:      make(map[stun.ChannelNumber]channelBinding),
		peers:         make(map[netip.AddrPort]stun.ChannelNumber),
		nonce:         newNonce(),
		nonceDeadline: now.Add(nonceLifetime),
	}
}

// Info is a read-only snapshot of a session, for the management
// surface.
type Info struct {
	Symbol      Symbol
	Username    string
	Port        uint16
	HasPort     bool
	Channels    []uint16
	Permissions []uint16
	ExpiresAt   time.Time
	RecvBytes   uint64
	SendBytes   uint64
	RecvPkts    uint64
	SendPkts    uint64
}

func (s *Session) snapshot() Info {
	info := Info{
		Symbol:    s.symbol,
		Username:  s.username,
		Port:      s.port,
		HasPort:   s.hasPort,
		ExpiresAt: s.expiresAt,
		RecvBytes: s.RecvBytes.Load(),
		SendBytes: s.SendBytes.Load(),
		RecvPkts:  s.RecvPkts.Load(),
		SendPkts:  s.SendPkts.Load(),
	}
	for n := range s.channels {
		info.Channels = append(info.Channels, uint16(n))
	}
	for p := range s.permissions {
		info.Permissions = append(info.Permissions, p)
	}
	return info
}
