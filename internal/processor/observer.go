package processor

import (
	"github.com/mycrl/turn-rs-sub001/internal/session"
)

// Observer receives lifecycle events from the processor. Implementations
// must not block; anything slow belongs on the implementation's own
// queue. Credential lookup is separate (auth.Source) because it is
// allowed to block.
type Observer interface {
	OnAllocated(symbol session.Symbol, username string, port uint16)
	OnChannelBind(symbol session.Symbol, username string, number uint16)
	OnCreatePermission(symbol session.Symbol, username string, ports []uint16)
	OnRefresh(symbol session.Symbol, username string, lifetime uint32)
	OnDestroy(symbol session.Symbol, username string)
}

// NopObserver is an Observer that does nothing.
type NopObserver struct{}

// OnAllocated implements Observer.
func (NopObserver) OnAllocated(session.Symbol, string, uint16) {}

// OnChannelBind implements Observer.
func (NopObserver) OnChannelBind(session.Symbol, string, uint16) {}

// OnCreatePermission implements Observer.
func (NopObserver) OnCreatePermission(session.Symbol, string, []uint16) {}

// OnRefresh implements Observer.
func (NopObserver) OnRefresh(session.Symbol, string, uint32) {}

// OnDestroy implements Observer.
func (NopObserver) OnDestroy(session.Symbol, string) {}
