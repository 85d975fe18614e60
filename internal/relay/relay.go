// Package relay implements the transport-agnostic forwarding engine.
// It owns the per-session relay sockets, runs the peer-inbound reader
// tasks and routes processor output to the right endpoint: a local
// write-back, another interface's bounded outbound queue, or a raw UDP
// send from the session's relay port.
package relay

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/processor"
	"github.com/mycrl/turn-rs-sub001/internal/session"
)

// Forwarder errors.
var (
	// ErrNoRelaySocket means the session has no open relay socket.
	ErrNoRelaySocket = errors.New("no relay socket for session")
	// ErrNoSuchInterface means the outbound names an interface the
	// forwarder has no writer for.
	ErrNoSuchInterface = errors.New("no such interface")
)

// Writer emits an outbound frame to a client endpoint. Each transport
// adapter registers one per interface; the full outbound is passed so
// the adapter can make framing decisions (TCP ChannelData padding) and
// keep per-method statistics.
type Writer interface {
	WriteToClient(out *processor.Outbound, addr netip.AddrPort) error
}

// queued is one cross-interface outbound item.
type queued struct {
	out  *processor.Outbound
	addr netip.AddrPort
}

const queueDepth = 1024

type endpointQueue struct {
	writer Writer
	items  chan queued
	done   chan struct{}
}

// Options configure a Forwarder.
type Options struct {
	Log    *zap.Logger
	Store  *session.Store
	Labels prometheus.Labels
}

// Forwarder routes processor outbounds and owns relay sockets.
type Forwarder struct {
	log   *zap.Logger
	store *session.Store
	proc  *processor.Processor

	mux     sync.RWMutex
	writers map[netip.AddrPort]*endpointQueue

	relayMux sync.Mutex
	relays   map[uint16]*net.UDPConn

	wg    sync.WaitGroup
	close chan struct{}

	errorPkts prometheus.Counter
	relayPkts prometheus.Counter
}

// NewForwarder initializes and returns a new *Forwarder.
func NewForwarder(o Options) *Forwarder {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &Forwarder{
		log:     o.Log,
		store:   o.Store,
		writers: make(map[netip.AddrPort]*endpointQueue),
		relays:  make(map[uint16]*net.UDPConn),
		close:   make(chan struct{}),
		errorPkts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_error_pkts",
			Help:        "Outbound items dropped on full queues or send errors.",
			ConstLabels: o.Labels,
		}),
		relayPkts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_relay_pkts",
			Help:        "Packets relayed between clients and peers.",
			ConstLabels: o.Labels,
		}),
	}
}

// SetProcessor wires the processor driving the peer-inbound path. Must
// be called before the first Open.
func (f *Forwarder) SetProcessor(p *processor.Processor) { f.proc = p }

// RegisterInterface attaches a writer for the interface identified by
// its external address and starts the bounded outbound queue draining
// into it.
func (f *Forwarder) RegisterInterface(external netip.AddrPort, w Writer) {
	q := &endpointQueue{
		writer: w,
		items:  make(chan queued, queueDepth),
		done:   make(chan struct{}),
	}
	f.mux.Lock()
	f.writers[external] = q
	f.mux.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case item := <-q.items:
				if err := q.writer.WriteToClient(item.out, item.addr); err != nil {
					f.errorPkts.Inc()
					f.log.Warn("write to client failed",
						zap.Stringer("addr", item.addr), zap.Error(err))
				}
			case <-q.done:
				return
			case <-f.close:
				return
			}
		}
	}()
}

// Route dispatches an outbound produced by the processor: to a peer when
// Relay is set, otherwise to a client endpoint. Outbounds with neither
// are the owning transport's to write back; Route rejects them so misuse
// surfaces early.
func (f *Forwarder) Route(symbol session.Symbol, out *processor.Outbound) error {
	switch {
	case out.Relay != nil:
		return f.sendRelayed(symbol, out)
	case out.Endpoint != nil:
		return f.enqueue(out)
	default:
		return errors.Wrap(ErrNoSuchInterface, "outbound without target")
	}
}

// sendRelayed emits Data as raw UDP from the session's relay port.
func (f *Forwarder) sendRelayed(symbol session.Symbol, out *processor.Outbound) error {
	port, ok := f.store.Port(symbol)
	if !ok {
		return ErrNoRelaySocket
	}
	f.relayMux.Lock()
	conn := f.relays[port]
	f.relayMux.Unlock()
	if conn == nil {
		return ErrNoRelaySocket
	}
	if _, err := conn.WriteToUDPAddrPort(out.Data, *out.Relay); err != nil {
		f.errorPkts.Inc()
		return errors.Wrap(err, "relay send failed")
	}
	f.relayPkts.Inc()
	if sess, ok := f.store.Session(symbol); ok {
		sess.SendBytes.Add(uint64(len(out.Data)))
		sess.SendPkts.Inc()
	}
	return nil
}

// enqueue hands the outbound to the destination interface's queue. A
// full queue drops the item and records an error packet instead of
// blocking the inbound path.
func (f *Forwarder) enqueue(out *processor.Outbound) error {
	f.mux.RLock()
	q := f.writers[out.Interface]
	f.mux.RUnlock()
	if q == nil {
		f.errorPkts.Inc()
		return errors.Wrapf(ErrNoSuchInterface, "%s", out.Interface)
	}
	item := queued{out: out, addr: *out.Endpoint}
	select {
	case q.items <- item:
		return nil
	default:
		f.errorPkts.Inc()
		f.log.Warn("outbound queue full, dropping",
			zap.Stringer("iface", out.Interface))
		return nil
	}
}

// Open binds the relay socket for the session's allocated port on the
// given local IP and starts the peer-inbound reader.
func (f *Forwarder) Open(symbol session.Symbol, localIP netip.Addr, port uint16) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(localIP, port)))
	if err != nil {
		return errors.Wrapf(err, "failed to bind relay port %d", port)
	}
	f.relayMux.Lock()
	f.relays[port] = conn
	f.relayMux.Unlock()
	f.wg.Add(1)
	go f.readUntilClosed(symbol, port, conn)
	f.log.Debug("relay socket open",
		zap.Stringer("symbol", symbol), zap.Uint16("port", port))
	return nil
}

// Close shuts the relay socket for the port, stopping its reader.
func (f *Forwarder) Close(port uint16) {
	f.relayMux.Lock()
	conn := f.relays[port]
	delete(f.relays, port)
	f.relayMux.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			f.log.Warn("failed to close relay socket", zap.Error(err))
		}
	}
}

// Shutdown closes every relay socket and stops the queues.
func (f *Forwarder) Shutdown() {
	close(f.close)
	f.relayMux.Lock()
	for port, conn := range f.relays {
		_ = conn.Close()
		delete(f.relays, port)
	}
	f.relayMux.Unlock()
	f.wg.Wait()
}

// readUntilClosed is the peer-inbound reader task for one relay
// socket. It looks up the owning session by port under the same store
// discipline as the request path.
func (f *Forwarder) readUntilClosed(symbol session.Symbol, port uint16, conn *net.UDPConn) {
	defer f.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Socket closed on destroy, or a hard error either way the
			// reader is done.
			f.log.Debug("relay reader done",
				zap.Uint16("port", port), zap.Error(err))
			return
		}
		out, err := f.proc.ProcessPeer(time.Now(), port, netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), buf[:n])
		if err != nil {
			f.log.Warn("peer data processing failed", zap.Error(err))
			continue
		}
		if out == nil {
			continue
		}
		if sess, ok := f.store.Session(symbol); ok {
			sess.RecvBytes.Add(uint64(n))
			sess.RecvPkts.Inc()
		}
		f.relayPkts.Inc()
		if err := f.enqueue(out); err != nil {
			if ce := f.log.Check(zapcore.DebugLevel, "peer data not deliverable"); ce != nil {
				ce.Write(zap.Uint16("port", port), zap.Error(err))
			}
		}
	}
}

// Describe implements prometheus.Collector.
func (f *Forwarder) Describe(d chan<- *prometheus.Desc) {
	d <- f.errorPkts.Desc()
	d <- f.relayPkts.Desc()
}

// Collect implements prometheus.Collector.
func (f *Forwarder) Collect(c chan<- prometheus.Metric) {
	f.errorPkts.Collect(c)
	f.relayPkts.Collect(c)
}
