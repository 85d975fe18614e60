package server

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/processor"
	"github.com/mycrl/turn-rs-sub001/internal/relay"
	"github.com/mycrl/turn-rs-sub001/internal/session"
)

// RelayObserver opens the relay socket when an allocation succeeds,
// then forwards the event to the next observer. If the socket cannot
// be bound the session is torn down so the client re-allocates.
type RelayObserver struct {
	processor.Observer
	Log       *zap.Logger
	Forwarder *relay.Forwarder
	Store     *session.Store
	// BindIP maps an interface external address to the local IP relay
	// sockets bind on.
	BindIP func(iface netip.AddrPort) netip.Addr
}

// OnAllocated implements processor.Observer.
func (o RelayObserver) OnAllocated(symbol session.Symbol, username string, port uint16) {
	if err := o.Forwarder.Open(symbol, o.BindIP(symbol.Interface), port); err != nil {
		o.Log.Error("failed to open relay socket",
			zap.Stringer("symbol", symbol),
			zap.Uint16("port", port),
			zap.Error(err),
		)
		o.Store.Destroy(symbol)
		return
	}
	o.Observer.OnAllocated(symbol, username, port)
}
