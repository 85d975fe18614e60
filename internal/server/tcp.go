package server

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycrl/turn-rs-sub001/internal/filter"
	"github.com/mycrl/turn-rs-sub001/internal/processor"
	"github.com/mycrl/turn-rs-sub001/internal/relay"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// Largest frame a stream can carry: a STUN header plus a maximal
// attribute section.
const tcpFrameLimit = 65555

// A second codec error within this window closes the connection.
const errWindow = 10 * time.Second

var zeroPad [4]byte

// TCPOptions configure a TCPServer.
type TCPOptions struct {
	Log        *zap.Logger
	Listener   net.Listener
	Interface  processor.Interface
	Processor  *processor.Processor
	Forwarder  *relay.Forwarder
	Store      *session.Store
	ClientRule filter.Rule
}

// TCPServer serves one TCP (or TLS) listening interface. Each accepted
// connection owns a session; the session is destroyed when the
// connection closes.
type TCPServer struct {
	log        *zap.Logger
	listener   net.Listener
	iface      processor.Interface
	proc       *processor.Processor
	fwd        *relay.Forwarder
	store      *session.Store
	clientRule filter.Rule

	mux   sync.RWMutex
	conns map[netip.AddrPort]*tcpConn

	close chan struct{}
	wg    sync.WaitGroup
}

type tcpConn struct {
	conn     net.Conn
	writeMux sync.Mutex
}

// writeFrame writes one frame, padding ChannelData to a four byte
// boundary as the TCP framing requires. STUN messages are always
// already padded.
func (c *tcpConn) writeFrame(out *processor.Outbound) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := c.conn.Write(out.Data); err != nil {
		return err
	}
	if out.Kind == processor.KindChannelData {
		if pad := (4 - len(out.Data)%4) % 4; pad > 0 {
			if _, err := c.conn.Write(zeroPad[:pad]); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewTCP initializes and returns a new TCPServer.
func NewTCP(o TCPOptions) *TCPServer {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.ClientRule == nil {
		o.ClientRule = filter.AllowAll
	}
	s := &TCPServer{
		log:        o.Log.With(zap.Stringer("server", o.Interface.Bind)),
		listener:   o.Listener,
		iface:      o.Interface,
		proc:       o.Processor,
		fwd:        o.Forwarder,
		store:      o.Store,
		clientRule: o.ClientRule,
		conns:      make(map[netip.AddrPort]*tcpConn),
		close:      make(chan struct{}),
	}
	s.fwd.RegisterInterface(o.Interface.External, s)
	return s
}

// WriteToClient implements relay.Writer: frames routed across
// interfaces are delivered on the client's connection.
func (s *TCPServer) WriteToClient(out *processor.Outbound, addr netip.AddrPort) error {
	s.mux.RLock()
	c := s.conns[addr]
	s.mux.RUnlock()
	if c == nil {
		return errors.Errorf("no connection for %s", addr)
	}
	return c.writeFrame(out)
}

// Serve accepts connections until the listener is closed.
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.close:
				return nil
			default:
			}
			if isErrConnClosed(err) {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the accept loop and closes every connection.
func (s *TCPServer) Close() error {
	close(s.close)
	err := s.listener.Close()
	s.mux.Lock()
	for _, c := range s.conns {
		_ = c.conn.Close()
	}
	s.mux.Unlock()
	s.wg.Wait()
	return err
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		s.log.Warn("unparseable remote addr", zap.Stringer("addr", conn.RemoteAddr()))
		_ = conn.Close()
		return
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if s.clientRule.Action(remote) == filter.Deny {
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", remote))
		}
		_ = conn.Close()
		return
	}
	symbol := session.Symbol{
		Source:    remote,
		Interface: s.iface.External,
		Transport: session.TransportTCP,
	}
	c := &tcpConn{conn: conn}
	s.mux.Lock()
	s.conns[remote] = c
	s.mux.Unlock()
	defer func() {
		s.mux.Lock()
		delete(s.conns, remote)
		s.mux.Unlock()
		_ = conn.Close()
		// Connection loss cancels the session for TCP transports.
		s.store.Destroy(symbol)
	}()
	s.readUntilClosed(c, symbol)
}

func (s *TCPServer) readUntilClosed(c *tcpConn, symbol session.Symbol) {
	var (
		r           = bufio.NewReaderSize(c.conn, bufSize)
		frame       = make([]byte, tcpFrameLimit)
		errDeadline time.Time
	)
	// strike returns true when this is the second codec error within
	// the window, which closes the connection.
	strike := func() bool {
		now := time.Now()
		if now.Before(errDeadline) {
			return true
		}
		errDeadline = now.Add(errWindow)
		return false
	}
	for {
		header, err := r.Peek(stun.ChannelDataHeaderSize)
		if err != nil {
			s.logReadDone(symbol, err)
			return
		}
		if stun.IsMessage(header) {
			// The STUN size needs the full 20-byte header.
			if header, err = r.Peek(stun.MessageHeaderSize); err != nil {
				s.logReadDone(symbol, err)
				return
			}
		}
		size, sizeErr := stun.MessageSize(header, true)
		if sizeErr != nil || size > tcpFrameLimit {
			if strike() {
				s.log.Warn("too many malformed frames, closing",
					zap.Stringer("symbol", symbol))
				return
			}
			if _, err := r.Discard(r.Buffered()); err != nil {
				return
			}
			continue
		}
		if _, err := io.ReadFull(r, frame[:size]); err != nil {
			s.logReadDone(symbol, err)
			return
		}
		out, procErr := s.proc.Process(time.Now(), symbol, frame[:size])
		if procErr != nil {
			if strike() {
				s.log.Warn("too many protocol errors, closing",
					zap.Stringer("symbol", symbol))
				return
			}
			continue
		}
		if out == nil {
			continue
		}
		if out.Endpoint == nil && out.Relay == nil {
			if err := c.writeFrame(out); err != nil {
				s.logReadDone(symbol, err)
				return
			}
			continue
		}
		if routeErr := s.fwd.Route(symbol, out); routeErr != nil {
			s.log.Warn("route failed", zap.Error(routeErr))
		}
	}
}

func (s *TCPServer) logReadDone(symbol session.Symbol, err error) {
	if err == io.EOF || isErrConnClosed(err) {
		s.log.Debug("connection closed", zap.Stringer("symbol", symbol))
		return
	}
	s.log.Debug("read failed", zap.Stringer("symbol", symbol), zap.Error(err))
}
