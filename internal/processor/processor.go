// Package processor drives the per-packet STUN/TURN state machine.
// Given inbound bytes and the session symbol it returns at most one
// Outbound frame together with a routing intent for the forwarder.
package processor

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/filter"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

var errNotSTUNMessage = errors.New("not stun message")

// IsErrNotSTUNMessage reports whether err marks input that is neither
// a STUN message nor a ChannelData frame.
func IsErrNotSTUNMessage(err error) bool { return errors.Is(err, errNotSTUNMessage) }

// Kind discriminates Outbound frames.
type Kind uint8

// Outbound kinds.
const (
	// KindMessage is a STUN-framed reply or indication.
	KindMessage Kind = iota
	// KindChannelData is a ChannelData frame toward a client.
	KindChannelData
	// KindRaw is an unframed payload relayed toward a peer.
	KindRaw
)

// Outbound is a frame to emit plus where to send it.
type Outbound struct {
	Kind   Kind
	Method stun.MessageType // valid for KindMessage
	Data   []byte

	// Endpoint is the destination client address. Nil, with Relay also
	// nil, means "reply on the same socket to the symbol source". When
	// set, Interface names
	// the server interface the endpoint is served by, so the forwarder
	// can cross interfaces.
	Endpoint  *netip.AddrPort
	Interface netip.AddrPort

	// Relay, when set, is a peer address: Data is sent as raw UDP from
	// the session's relay port.
	Relay *netip.AddrPort
}

// Interface describes one listening endpoint of the server.
type Interface struct {
	Transport session.Transport
	// Bind is the local listen address.
	Bind netip.AddrPort
	// External is the publicly reachable address advertised in
	// XOR-RELAYED-ADDRESS.
	External netip.AddrPort
}

// Options configure a Processor.
type Options struct {
	Log        *zap.Logger
	Realm      string
	Software   string // no SOFTWARE attribute if blank
	Store      *session.Store
	Auth       auth.Source
	Observer   Observer
	Interfaces []Interface
	PeerRule   filter.Rule
}

// Runtime holds the reloadable subset of options.
type Runtime struct {
	Realm    string
	Software string
	Auth     auth.Source
	PeerRule filter.Rule
}

// Processor is the per-request state machine. One Processor serves all
// interfaces; it is safe for concurrent use.
type Processor struct {
	log        *zap.Logger
	store      *session.Store
	observer   Observer
	interfaces []Interface
	rt         atomic.Value // Runtime
	handlers   map[stun.MessageType]handleFunc
}

type handleFunc = func(ctx *context) (*Outbound, error)

// New initializes and returns a new Processor.
func New(o Options) *Processor {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.PeerRule == nil {
		o.PeerRule = filter.AllowAll
	}
	p := &Processor{
		log:        o.Log,
		store:      o.Store,
		observer:   o.Observer,
		interfaces: o.Interfaces,
	}
	p.rt.Store(Runtime{
		Realm:    o.Realm,
		Software: o.Software,
		Auth:     o.Auth,
		PeerRule: o.PeerRule,
	})
	p.handlers = map[stun.MessageType]handleFunc{
		stun.BindingRequest:          p.processBindingRequest,
		stun.AllocateRequest:         p.processAllocateRequest,
		stun.RefreshRequest:          p.processRefreshRequest,
		stun.CreatePermissionRequest: p.processCreatePermissionRequest,
		stun.ChannelBindRequest:      p.processChannelBindRequest,
		stun.SendIndication:          p.processSendIndication,
	}
	return p
}

// SetRuntime replaces the reloadable options.
func (p *Processor) SetRuntime(rt Runtime) {
	if rt.PeerRule == nil {
		rt.PeerRule = filter.AllowAll
	}
	p.rt.Store(rt)
}

func (p *Processor) runtime() Runtime { return p.rt.Load().(Runtime) }

// Store exposes the session store for the embedding server.
func (p *Processor) Store() *session.Store { return p.store }

// Observer exposes the event sink for the embedding server.
func (p *Processor) Observer() Observer { return p.observer }

// Process handles one inbound datagram (or one framed TCP message)
// from the client identified by symbol. It returns nil when there is
// nothing to emit: indications, dropped frames and malformed input all
// end the round trip silently.
func (p *Processor) Process(now time.Time, symbol session.Symbol, data []byte) (*Outbound, error) {
	ctx := &context{
		processor: p,
		rt:        p.runtime(),
		time:      now,
		symbol:    symbol,
		buf:       data,
	}
	switch {
	case stun.IsMessage(data):
		return p.processMessage(ctx)
	case stun.IsChannelData(data):
		return p.processChannelData(ctx)
	default:
		return nil, errNotSTUNMessage
	}
}

func (p *Processor) processMessage(ctx *context) (*Outbound, error) {
	ctx.request = new(stun.Message)
	ctx.request.Raw = ctx.buf
	if err := ctx.request.Decode(); err != nil {
		if ce := p.log.Check(zapcore.DebugLevel, "failed to decode request"); ce != nil {
			ce.Write(zap.Stringer("symbol", ctx.symbol), zap.Error(err))
		}
		return nil, err
	}
	if ce := p.log.Check(zapcore.DebugLevel, "got message"); ce != nil {
		ce.Write(zap.Stringer("m", ctx.request), zap.Stringer("symbol", ctx.symbol))
	}
	if ctx.request.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(ctx.request); err != nil {
			p.log.Debug("fingerprint check failed", zap.Error(err))
			return ctx.buildErr(stun.CodeBadRequest)
		}
	}
	h, ok := p.handlers[ctx.request.Type]
	if !ok {
		if ctx.request.Type.Class == stun.ClassIndication {
			return nil, nil
		}
		p.log.Warn("unsupported request type", zap.Stringer("t", ctx.request.Type))
		return ctx.buildErr(stun.CodeBadRequest)
	}
	return h(ctx)
}

func (p *Processor) processChannelData(ctx *context) (*Outbound, error) {
	cdata := &stun.ChannelData{Raw: ctx.buf}
	if err := cdata.Decode(); err != nil {
		if ce := p.log.Check(zapcore.DebugLevel, "failed to decode channel data"); ce != nil {
			ce.Write(zap.Stringer("symbol", ctx.symbol), zap.Error(err))
		}
		return nil, err
	}
	peer, ok := p.store.LookupChannel(ctx.symbol, cdata.Number)
	if !ok {
		// Unbound channel: no reply, no forwarding.
		return nil, nil
	}
	return &Outbound{
		Kind:  KindRaw,
		Data:  cdata.Data,
		Relay: &peer,
	}, nil
}

// externalFor returns the advertised external address of the interface
// the symbol arrived on.
func (p *Processor) externalFor(symbol session.Symbol) netip.AddrPort {
	for _, iface := range p.interfaces {
		if iface.External == symbol.Interface && iface.Transport == symbol.Transport {
			return iface.External
		}
	}
	return symbol.Interface
}

func ipFromAddr(a netip.AddrPort) net.IP {
	addr := a.Addr().Unmap()
	if addr.Is4() {
		v := addr.As4()
		return net.IP(v[:])
	}
	v := addr.As16()
	return net.IP(v[:])
}

func addrPortFrom(ip net.IP, port int) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}
