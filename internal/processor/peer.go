package processor

import (
	"net/netip"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// ProcessPeer handles a datagram that arrived on the relay port from a
// peer. If the owning session has a channel bound to the peer the
// payload is framed as ChannelData; otherwise, with a permission for
// the peer's port, it is wrapped in a Data indication. Anything else
// is dropped.
func (p *Processor) ProcessPeer(now time.Time, relayPort uint16, peer netip.AddrPort, payload []byte) (*Outbound, error) {
	symbol, ok := p.store.LookupByPort(relayPort)
	if !ok {
		return nil, nil
	}
	endpoint := symbol.Source
	if number, ok := p.store.ChannelByPeer(symbol, peer); ok {
		cdata := &stun.ChannelData{
			Number: number,
			Data:   payload,
		}
		cdata.Encode()
		if ce := p.log.Check(zapcore.DebugLevel, "relaying peer data via channel"); ce != nil {
			ce.Write(zap.Stringer("symbol", symbol), zap.Stringer("n", number))
		}
		return &Outbound{
			Kind:      KindChannelData,
			Data:      cdata.Raw,
			Endpoint:  &endpoint,
			Interface: symbol.Interface,
		}, nil
	}
	if !p.store.LookupPermission(symbol, peer.Port()) {
		return nil, nil
	}
	m := new(stun.Message)
	if err := m.Build(
		stun.TransactionID,
		stun.DataIndication,
		stun.XORPeerAddress{IP: ipFromAddr(peer), Port: int(peer.Port())},
		stun.Data(payload),
	); err != nil {
		return nil, err
	}
	if ce := p.log.Check(zapcore.DebugLevel, "relaying peer data via indication"); ce != nil {
		ce.Write(zap.Stringer("symbol", symbol), zap.Stringer("peer", peer))
	}
	return &Outbound{
		Kind:      KindMessage,
		Method:    stun.DataIndication,
		Data:      m.Raw,
		Endpoint:  &endpoint,
		Interface: symbol.Interface,
	}, nil
}
