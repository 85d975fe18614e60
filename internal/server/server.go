// Package server implements the transport adapters: UDP receive loops,
// TCP/TLS stream framing and the plumbing between sockets, the
// processor and the forwarder.
package server

import (
	"io"
	"net"
	"net/netip"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/filter"
	"github.com/mycrl/turn-rs-sub001/internal/processor"
	"github.com/mycrl/turn-rs-sub001/internal/relay"
	"github.com/mycrl/turn-rs-sub001/internal/session"
)

// MetricsRegistry represents a prometheus metrics registry.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// Options is the set of available options for Server.
type Options struct {
	Log        *zap.Logger
	Conn       net.PacketConn
	Interface  processor.Interface
	Processor  *processor.Processor
	Forwarder  *relay.Forwarder
	Store      *session.Store
	ClientRule filter.Rule // filtering rule for listeners
	Labels     prometheus.Labels
	Registry   MetricsRegistry
	// MetricsEnabled enables prometheus counters on the hot path.
	MetricsEnabled bool
	Workers        int // maximum workers count
	CollectRate    time.Duration
	ManualStart    bool // don't start bg activity
	ReusePort      bool // spawn more sockets on same port if available
	DebugCollect   bool // debug collect calls
}

type config struct {
	clientRule   filter.Rule
	metrics      metrics
	debugCollect bool
}

// Server serves one UDP listening interface.
type Server struct {
	opts        Options
	conn        net.PacketConn
	conns       []io.Closer
	iface       processor.Interface
	proc        *processor.Processor
	fwd         *relay.Forwarder
	store       *session.Store
	cfg         atomic.Value // config
	log         *zap.Logger
	close       chan struct{}
	pool        *workerPool
	wg          sync.WaitGroup
	reusePort   bool
	promMetrics *promMetrics
}

func (s *Server) config() config { return s.cfg.Load().(config) }

func (s *Server) newConfig(o Options) config {
	c := config{
		clientRule:   o.ClientRule,
		metrics:      noopMetrics{},
		debugCollect: o.DebugCollect,
	}
	if c.clientRule == nil {
		c.clientRule = filter.AllowAll
	}
	if o.MetricsEnabled {
		c.metrics = s.promMetrics
	}
	return c
}

// SetOptions updates the reloadable subset of the configuration.
func (s *Server) SetOptions(o Options) { s.cfg.Store(s.newConfig(o)) }

// New initializes and returns a new server from options.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Second
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	o.Labels["addr"] = o.Conn.LocalAddr().String()
	s := &Server{
		opts:        o,
		conn:        o.Conn,
		iface:       o.Interface,
		proc:        o.Processor,
		fwd:         o.Forwarder,
		store:       o.Store,
		close:       make(chan struct{}),
		reusePort:   reuseport.Available() && o.ReusePort,
		promMetrics: newPromMetrics(o.Labels),
	}
	s.cfg.Store(s.newConfig(o))
	s.log = o.Log.With(zap.Stringer("server", o.Interface.Bind))
	if o.Registry != nil {
		if err := o.Registry.Register(s.promMetrics); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
	}
	s.pool = &workerPool{
		Logger:          s.log.Named("pool"),
		WorkerFunc:      s.serveConn,
		MaxWorkersCount: o.Workers,
	}
	s.fwd.RegisterInterface(o.Interface.External, s)
	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	return s, nil
}

// Start starts background activity: the session sweeper.
func (s *Server) Start(rate time.Duration) {
	if rate > time.Minute {
		rate = time.Minute
	}
	s.wg.Add(1)
	t := time.NewTicker(rate)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case now := <-t.C:
				if s.config().debugCollect {
					s.log.Debug("collecting")
				}
				s.collect(now)
			case <-s.close:
				t.Stop()
				return
			}
		}
	}()
}

func (s *Server) collect(t time.Time) { s.store.Sweep(t) }

// Close stops background activity and closes the sockets.
func (s *Server) Close() error {
	close(s.close)
	s.log.Debug("closing")
	s.pool.Stop()
	if err := s.conn.Close(); err != nil && !isErrConnClosed(err) {
		s.log.Warn("failed to close connection", zap.Error(err))
	}
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && !isErrConnClosed(err) {
			s.log.Warn("failed to close connection", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

// WriteToClient implements relay.Writer: over UDP frames are written
// as-is, with no padding.
func (s *Server) WriteToClient(out *processor.Outbound, addr netip.AddrPort) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		s.log.Warn("failed to set deadline", zap.Error(err))
	}
	_, err := s.conn.WriteTo(out.Data, net.UDPAddrFromAddrPort(addr))
	if err != nil && !isErrConnClosed(err) {
		return errors.Wrap(err, "writeTo failed")
	}
	return nil
}

func (s *Server) serveConn(ctx *context) error {
	ctx.time = time.Now()
	switch a := ctx.addr.(type) {
	case *net.UDPAddr:
		ctx.client = a.AddrPort()
		ctx.client = netip.AddrPortFrom(ctx.client.Addr().Unmap(), ctx.client.Port())
	default:
		s.log.Error("unknown addr", zap.Stringer("addr", ctx.addr))
		return errors.Errorf("unknown addr %s", ctx.addr)
	}
	cfg := s.config()
	if cfg.clientRule.Action(ctx.client) == filter.Deny {
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return nil
	}
	symbol := session.Symbol{
		Source:    ctx.client,
		Interface: s.iface.External,
		Transport: session.TransportUDP,
	}
	switch {
	case len(ctx.buf) > 0 && ctx.buf[0]&0xC0 == 0:
		cfg.metrics.incSTUNMessages()
	case len(ctx.buf) > 0 && ctx.buf[0]&0xC0 == 0x40:
		cfg.metrics.incChannelData()
	}
	out, err := s.proc.Process(ctx.time, symbol, ctx.buf)
	if err != nil {
		if !processor.IsErrNotSTUNMessage(err) {
			if ce := s.log.Check(zapcore.DebugLevel, "process failed"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
			}
		}
		return nil
	}
	if out == nil {
		// Indication or dropped frame.
		return nil
	}
	if out.Endpoint == nil && out.Relay == nil {
		// Reply on the same socket to the source.
		if err := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); err != nil {
			s.log.Warn("failed to set deadline", zap.Error(err))
		}
		_, writeErr := ctx.conn.WriteTo(out.Data, ctx.addr)
		if writeErr != nil && !isErrConnClosed(writeErr) {
			s.log.Warn("writeTo failed", zap.Error(writeErr))
			return writeErr
		}
		return nil
	}
	if routeErr := s.fwd.Route(symbol, out); routeErr != nil {
		s.log.Warn("route failed", zap.Error(routeErr))
	}
	return nil
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	s.log.Debug("worker started")
	defer s.log.Debug("worker done")
	buf := make([]byte, bufSize)
	for {
		select {
		case <-s.close:
			return
		default:
			// pass
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("readFrom failed", zap.Error(err))
			}
			break
		}
		ctx := acquireContext()
		ctx.conn = conn
		ctx.addr = addr
		ctx.buf = ctx.buf[:n]
		copy(ctx.buf, buf[:n])
		for i := 0; i < 7; i++ {
			if s.pool.Serve(ctx) {
				break
			}
			s.log.Warn("not enough workers")
			time.Sleep(time.Millisecond * 300)
		}
	}
}

// Serve reads packets from the socket until closed.
func (s *Server) Serve() error {
	s.pool.Start()
	for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
		s.wg.Add(1)
		if s.reusePort {
			s.log.Debug("reusing port for worker", zap.Int("w", i))
			laddr := s.conn.LocalAddr()
			conn, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
			if err != nil {
				s.log.Warn("failed to listen for additional socket")
				conn = s.conn
			} else {
				s.conns = append(s.conns, conn)
			}
			go s.worker(conn)
		} else {
			go s.worker(s.conn)
		}
	}
	s.wg.Wait()
	return nil
}
