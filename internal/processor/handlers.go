package processor

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/filter"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

func (p *Processor) processBindingRequest(ctx *context) (*Outbound, error) {
	var (
		source = ctx.symbol.Source
		origin = ctx.symbol.Interface
	)
	return ctx.buildOk(
		stun.XORMappedAddress{IP: ipFromAddr(source), Port: int(source.Port())},
		stun.MappedAddress{IP: ipFromAddr(source), Port: int(source.Port())},
		stun.ResponseOrigin{IP: ipFromAddr(origin), Port: int(origin.Port())},
	)
}

// authenticate runs the long-term credential flow shared by every
// authenticated request. On failure it returns a non-nil Outbound
// carrying the error response; the caller passes it through.
func (ctx *context) authenticate() (*Outbound, error) {
	p := ctx.processor
	req := ctx.request
	if !req.Contains(stun.AttrMessageIntegrity) && !req.Contains(stun.AttrMessageIntegritySHA256) {
		// Client is fetching realm and nonce.
		return ctx.buildErr(stun.CodeUnauthorized)
	}
	var username stun.Username
	if err := username.GetFrom(req); err != nil {
		return ctx.buildErr(stun.CodeUnauthorized)
	}
	algorithm := stun.AlgorithmMD5
	if req.Contains(stun.AttrMessageIntegritySHA256) && !req.Contains(stun.AttrMessageIntegrity) {
		algorithm = stun.AlgorithmSHA256
	}
	var selected stun.PasswordAlgorithm
	if err := selected.GetFrom(req); err == nil {
		algorithm = selected.Algorithm
	}
	if ctx.rt.Auth == nil {
		return ctx.buildErr(stun.CodeUnauthorized)
	}
	password, ok := ctx.rt.Auth.Password(auth.Request{
		Symbol:    ctx.symbol,
		Username:  username.String(),
		Algorithm: algorithm,
	})
	if !ok {
		if ce := p.log.Check(zapcore.DebugLevel, "credential not found"); ce != nil {
			ce.Write(zap.Stringer("symbol", ctx.symbol), zap.Stringer("username", username))
		}
		return ctx.buildErr(stun.CodeUnauthorized)
	}
	if err := password.Check(req); err != nil {
		if ce := p.log.Check(zapcore.DebugLevel, "failed to auth"); ce != nil {
			ce.Write(zap.Stringer("symbol", ctx.symbol), zap.Error(err))
		}
		return ctx.buildErr(stun.CodeUnauthorized)
	}
	var nonce stun.Nonce
	if err := nonce.GetFrom(req); err != nil {
		return ctx.buildErr(stun.CodeStaleNonce)
	}
	cached, _ := p.store.Nonce(ctx.symbol, ctx.time)
	if nonce.String() != cached {
		return ctx.buildErr(stun.CodeStaleNonce)
	}
	ctx.username = username.String()
	ctx.integrity = password
	ctx.hasKey = true
	p.store.Authenticate(ctx.symbol, ctx.username, password, ctx.time)
	return nil, nil
}

func (p *Processor) processAllocateRequest(ctx *context) (*Outbound, error) {
	if out, err := ctx.authenticate(); out != nil || err != nil {
		return out, err
	}
	var transport stun.RequestedTransport
	if err := transport.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if transport.Protocol != stun.ProtoUDP {
		return ctx.buildErr(stun.CodeUnsupportedTransProto)
	}
	var (
		requested stun.Lifetime
		lifetime  = p.store.EffectiveLifetime(session.DefaultLifetime)
	)
	if err := requested.GetFrom(ctx.request); err == nil {
		if l := p.store.EffectiveLifetime(requested.Duration); l != 0 {
			lifetime = l
		}
	}
	port, err := p.store.AllocatePort(ctx.symbol, ctx.time)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAllocationMismatch):
		return ctx.buildErr(stun.CodeAllocMismatch)
	case errors.Is(err, session.ErrPortsExhausted):
		return ctx.buildErr(stun.CodeInsufficientCapacity)
	default:
		p.log.Warn("failed to allocate", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
	p.store.Refresh(ctx.symbol, lifetime, ctx.time)
	external := p.externalFor(ctx.symbol)
	p.observer.OnAllocated(ctx.symbol, ctx.username, port)
	return ctx.buildOk(
		stun.XORRelayedAddress{IP: ipFromAddr(external), Port: int(port)},
		stun.XORMappedAddress{IP: ipFromAddr(ctx.symbol.Source), Port: int(ctx.symbol.Source.Port())},
		stun.Lifetime{Duration: lifetime},
	)
}

func (p *Processor) processRefreshRequest(ctx *context) (*Outbound, error) {
	if out, err := ctx.authenticate(); out != nil || err != nil {
		return out, err
	}
	requested := stun.Lifetime{Duration: session.DefaultLifetime}
	if err := requested.GetFrom(ctx.request); err != nil && !errors.Is(err, stun.ErrAttributeNotFound) {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	lifetime := p.store.EffectiveLifetime(requested.Duration)
	existed := p.store.Refresh(ctx.symbol, lifetime, ctx.time)
	if lifetime == 0 {
		// Idempotent destroy: success either way.
		if existed {
			p.observer.OnRefresh(ctx.symbol, ctx.username, 0)
		}
		return ctx.buildOk(stun.Lifetime{})
	}
	if !existed {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	p.observer.OnRefresh(ctx.symbol, ctx.username, uint32(lifetime.Seconds()))
	return ctx.buildOk(stun.Lifetime{Duration: lifetime})
}

func (p *Processor) processCreatePermissionRequest(ctx *context) (*Outbound, error) {
	if out, err := ctx.authenticate(); out != nil || err != nil {
		return out, err
	}
	peers, err := stun.GetAllPeerAddresses(ctx.request)
	if err != nil || len(peers) == 0 {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if _, ok := p.store.Port(ctx.symbol); !ok {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	ports := make([]uint16, 0, len(peers))
	for _, peer := range peers {
		addr, ok := addrPortFrom(peer.IP, peer.Port)
		if !ok {
			return ctx.buildErr(stun.CodeBadRequest)
		}
		// The request succeeds only if every peer is acceptable.
		if ctx.rt.PeerRule.Action(addr) == filter.Deny {
			return ctx.buildErr(stun.CodeForbidden)
		}
		ports = append(ports, uint16(peer.Port))
	}
	for _, port := range ports {
		if err := p.store.AddPermission(ctx.symbol, port); err != nil {
			return ctx.buildErr(stun.CodeAllocMismatch)
		}
	}
	p.observer.OnCreatePermission(ctx.symbol, ctx.username, ports)
	return ctx.buildOk()
}

func (p *Processor) processChannelBindRequest(ctx *context) (*Outbound, error) {
	if out, err := ctx.authenticate(); out != nil || err != nil {
		return out, err
	}
	var (
		number stun.ChannelNumber
		peer   stun.XORPeerAddress
	)
	if err := number.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if err := peer.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	addr, ok := addrPortFrom(peer.IP, peer.Port)
	if !ok {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if ctx.rt.PeerRule.Action(addr) == filter.Deny {
		return ctx.buildErr(stun.CodeForbidden)
	}
	if _, ok := p.store.Port(ctx.symbol); !ok {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	switch err := p.store.AddChannel(ctx.symbol, number, addr, ctx.time); {
	case err == nil:
	case errors.Is(err, session.ErrChannelConflict):
		return ctx.buildErr(stun.CodeBadRequest)
	case errors.Is(err, session.ErrSessionNotFound):
		return ctx.buildErr(stun.CodeAllocMismatch)
	default:
		return ctx.buildErr(stun.CodeServerError)
	}
	p.observer.OnChannelBind(ctx.symbol, ctx.username, uint16(number))
	return ctx.buildOk()
}

func (p *Processor) processSendIndication(ctx *context) (*Outbound, error) {
	var (
		peer stun.XORPeerAddress
		data stun.Data
	)
	if err := peer.GetFrom(ctx.request); err != nil {
		return nil, nil
	}
	if err := data.GetFrom(ctx.request); err != nil {
		return nil, nil
	}
	if _, ok := p.store.Port(ctx.symbol); !ok {
		return nil, nil
	}
	if !p.store.LookupPermission(ctx.symbol, uint16(peer.Port)) {
		// Unpermitted peer: drop silently.
		return nil, nil
	}
	addr, ok := addrPortFrom(peer.IP, peer.Port)
	if !ok {
		return nil, nil
	}
	return &Outbound{
		Kind:  KindRaw,
		Data:  data,
		Relay: &addr,
	}, nil
}
