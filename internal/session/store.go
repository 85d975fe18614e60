package session

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// Store errors.
var (
	// ErrSessionNotFound means no session exists for the symbol.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAllocationMismatch is the 437 (Allocation Mismatch) condition:
	// the session already holds a relay port.
	ErrAllocationMismatch = errors.New("allocation mismatch")
	// ErrChannelConflict means the channel is bound to a different peer
	// or the peer to a different channel within the session.
	ErrChannelConflict = errors.New("channel binding conflict")
)

// Options configure a Store.
type Options struct {
	Log             *zap.Logger
	PortStart       uint16 // default 49152
	PortEnd         uint16 // default 65535
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration
	ChannelLifetime time.Duration
	NonceLifetime   time.Duration
	Labels          prometheus.Labels
	// OnDestroy is called after a session is fully destroyed, outside
	// any store lock, with the released relay port (hadPort false when
	// the session never allocated one). Optional.
	OnDestroy func(symbol Symbol, username string, port uint16, hadPort bool)
}

// Default lifetimes.
const (
	DefaultLifetime        = 600 * time.Second
	DefaultMaxLifetime     = 3600 * time.Second
	DefaultChannelLifetime = 600 * time.Second
	DefaultNonceLifetime   = time.Hour
)

// NewStore initializes and returns a new *Store.
func NewStore(o Options) *Store {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.PortStart == 0 && o.PortEnd == 0 {
		o.PortStart, o.PortEnd = 49152, 65535
	}
	if o.DefaultLifetime == 0 {
		o.DefaultLifetime = DefaultLifetime
	}
	if o.MaxLifetime == 0 {
		o.MaxLifetime = DefaultMaxLifetime
	}
	if o.ChannelLifetime == 0 {
		o.ChannelLifetime = DefaultChannelLifetime
	}
	if o.NonceLifetime == 0 {
		o.NonceLifetime = DefaultNonceLifetime
	}
	return &Store{
		log:      o.Log,
		opts:     o,
		sessions: make(map[Symbol]*Session),
		byPort:   make(map[uint16]Symbol),
		ports:    NewPortAllocator(o.PortStart, o.PortEnd),
		metrics: map[string]*prometheus.Desc{
			"session_count": prometheus.NewDesc("turnd_session_count",
				"Total number of sessions.", nil, o.Labels),
			"permission_count": prometheus.NewDesc("turnd_permission_count",
				"Total number of permissions.", nil, o.Labels),
			"binding_count": prometheus.NewDesc("turnd_binding_count",
				"Total number of channel bindings.", nil, o.Labels),
			"allocated_ports": prometheus.NewDesc("turnd_allocated_ports",
				"Number of relay ports currently allocated.", nil, o.Labels),
		},
	}
}

// Store is the process-wide concurrent session store. Sessions are
// keyed by Symbol; the port allocator and the reverse port map are
// guarded together so port allocation is atomic with registration.
type Store struct {
	log  *zap.Logger
	opts Options

	mux      sync.RWMutex
	sessions map[Symbol]*Session

	portsMux sync.Mutex
	ports    *PortAllocator
	byPort   map[uint16]Symbol

	metrics map[string]*prometheus.Desc
}

// EffectiveLifetime computes the session lifetime from a client
// request: min(requested, max); if the result does not exceed the
// default, the default is used. Zero means destroy and is returned
// unchanged.
func (s *Store) EffectiveLifetime(requested time.Duration) time.Duration {
	if requested == 0 {
		return 0
	}
	lifetime := requested
	if lifetime > s.opts.MaxLifetime {
		lifetime = s.opts.MaxLifetime
	}
	if lifetime <= s.opts.DefaultLifetime {
		lifetime = s.opts.DefaultLifetime
	}
	return lifetime
}

// get returns the session for symbol under the read lock.
func (s *Store) get(symbol Symbol) (*Session, bool) {
	s.mux.RLock()
	sess, ok := s.sessions[symbol]
	s.mux.RUnlock()
	return sess, ok
}

// getOrCreate returns the session for symbol, creating an
// unauthenticated one if absent.
func (s *Store) getOrCreate(symbol Symbol, now time.Time) *Session {
	if sess, ok := s.get(symbol); ok {
		return sess
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if sess, ok := s.sessions[symbol]; ok {
		return sess
	}
	sess := newSession(symbol, now, s.opts.NonceLifetime)
	s.sessions[symbol] = sess
	return sess
}

// Nonce returns the current nonce for the symbol, rotating it when the
// previous one expired. A session record is created if absent.
func (s *Store) Nonce(symbol Symbol, now time.Time) (string, time.Time) {
	sess := s.getOrCreate(symbol, now)
	s.mux.Lock()
	defer s.mux.Unlock()
	if !sess.nonceDeadline.After(now) {
		sess.nonce = newNonce()
		sess.nonceDeadline = now.Add(s.opts.NonceLifetime)
	}
	return sess.nonce, sess.nonceDeadline
}

// Authenticate records the verified credential on the session and
// marks it authenticated.
func (s *Store) Authenticate(symbol Symbol, username string, password stun.Password, now time.Time) {
	sess := s.getOrCreate(symbol, now)
	s.mux.Lock()
	sess.authenticated = true
	sess.username = username
	sess.password = password
	if sess.expiresAt.IsZero() {
		sess.expiresAt = now.Add(s.opts.DefaultLifetime)
	}
	s.mux.Unlock()
}

// Credentials returns the cached credential of an authenticated
// session.
func (s *Store) Credentials(symbol Symbol) (string, stun.Password, bool) {
	sess, ok := s.get(symbol)
	if !ok {
		return "", stun.Password{}, false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	if !sess.authenticated {
		return "", stun.Password{}, false
	}
	return sess.username, sess.password, true
}

// AllocatePort takes a relay port for the session and registers the
// reverse port mapping. At most one port per session, for the whole
// session lifetime: a second call fails with ErrAllocationMismatch.
func (s *Store) AllocatePort(symbol Symbol, now time.Time) (uint16, error) {
	sess, ok := s.get(symbol)
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if sess.hasPort {
		return 0, ErrAllocationMismatch
	}
	s.portsMux.Lock()
	port, err := s.ports.Alloc()
	if err == nil {
		s.byPort[port] = symbol
	}
	s.portsMux.Unlock()
	if err != nil {
		return 0, err
	}
	sess.hasPort = true
	sess.port = port
	sess.expiresAt = now.Add(s.opts.DefaultLifetime)
	return port, nil
}

// Port returns the session's relay port.
func (s *Store) Port(symbol Symbol) (uint16, bool) {
	sess, ok := s.get(symbol)
	if !ok {
		return 0, false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	return sess.port, sess.hasPort
}

// Refresh updates the session expiry; a zero lifetime destroys the
// session. Reports whether the session existed.
func (s *Store) Refresh(symbol Symbol, lifetime time.Duration, now time.Time) bool {
	if lifetime == 0 {
		return s.Destroy(symbol)
	}
	sess, ok := s.get(symbol)
	if !ok {
		return false
	}
	s.mux.Lock()
	sess.expiresAt = now.Add(lifetime)
	s.mux.Unlock()
	return true
}

// AddPermission installs or refreshes a permission toward a peer port.
// Permissions inherit the session lifetime.
func (s *Store) AddPermission(symbol Symbol, peerPort uint16) error {
	sess, ok := s.get(symbol)
	if !ok {
		return ErrSessionNotFound
	}
	s.mux.Lock()
	sess.permissions[peerPort] = struct{}{}
	s.mux.Unlock()
	return nil
}

// LookupPermission reports whether send/data traffic toward peerPort
// is authorized for the session.
func (s *Store) LookupPermission(symbol Symbol, peerPort uint16) bool {
	sess, ok := s.get(symbol)
	if !ok {
		return false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	_, ok = sess.permissions[peerPort]
	return ok
}

// AddChannel installs or refreshes a channel binding, together with
// the implicit permission on the peer port. A channel may be bound to
// one peer only, and a peer to one channel within a session; a
// conflicting bind fails with ErrChannelConflict.
func (s *Store) AddChannel(symbol Symbol, number stun.ChannelNumber, peer netip.AddrPort, now time.Time) error {
	if !number.Valid() {
		return ErrChannelConflict
	}
	sess, ok := s.get(symbol)
	if !ok {
		return ErrSessionNotFound
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if bound, ok := sess.channels[number]; ok && bound.peer != peer {
		return ErrChannelConflict
	}
	if boundNumber, ok := sess.peers[peer]; ok && boundNumber != number {
		return ErrChannelConflict
	}
	sess.channels[number] = channelBinding{
		peer:     peer,
		deadline: now.Add(s.opts.ChannelLifetime),
	}
	sess.peers[peer] = number
	sess.permissions[peer.Port()] = struct{}{}
	return nil
}

// LookupChannel returns the peer bound to the channel, if any.
func (s *Store) LookupChannel(symbol Symbol, number stun.ChannelNumber) (netip.AddrPort, bool) {
	sess, ok := s.get(symbol)
	if !ok {
		return netip.AddrPort{}, false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	bound, ok := sess.channels[number]
	if !ok {
		return netip.AddrPort{}, false
	}
	return bound.peer, true
}

// ChannelByPeer returns the channel bound to the peer within the
// session, for the peer to client direction.
func (s *Store) ChannelByPeer(symbol Symbol, peer netip.AddrPort) (stun.ChannelNumber, bool) {
	sess, ok := s.get(symbol)
	if !ok {
		return 0, false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	number, ok := sess.peers[peer]
	return number, ok
}

// LookupByPort returns the symbol owning the relay port.
func (s *Store) LookupByPort(port uint16) (Symbol, bool) {
	s.portsMux.Lock()
	defer s.portsMux.Unlock()
	symbol, ok := s.byPort[port]
	return symbol, ok
}

// Session returns the traffic counter handle for the symbol, for the
// forwarding paths.
func (s *Store) Session(symbol Symbol) (*Session, bool) {
	return s.get(symbol)
}

// Destroy removes the session and releases its port, channels,
// permissions and nonce. Reports whether the session existed.
// Idempotent.
func (s *Store) Destroy(symbol Symbol) bool {
	s.mux.Lock()
	sess, ok := s.sessions[symbol]
	if !ok {
		s.mux.Unlock()
		return false
	}
	delete(s.sessions, symbol)
	username := sess.username
	hasPort, port := sess.hasPort, sess.port
	s.mux.Unlock()
	if hasPort {
		s.portsMux.Lock()
		if owner, ok := s.byPort[port]; ok {
			if owner != symbol {
				// Reverse map must point back at the session that owns
				// the port; anything else is a bug in the store.
				s.log.Error("reverse port map mismatch",
					zap.Uint16("port", port),
					zap.Stringer("owner", owner),
					zap.Stringer("symbol", symbol),
				)
			}
			delete(s.byPort, port)
			s.ports.Free(port)
		}
		s.portsMux.Unlock()
	}
	s.log.Debug("session destroyed", zap.Stringer("symbol", symbol))
	if s.opts.OnDestroy != nil {
		s.opts.OnDestroy(symbol, username, port, hasPort)
	}
	return true
}

// Sweep destroys expired sessions and expired channel bindings. Called
// from a periodic task; locks are held only for one key's removal at a
// time.
func (s *Store) Sweep(now time.Time) {
	var expired []Symbol
	s.mux.RLock()
	for symbol, sess := range s.sessions {
		if !sess.expiresAt.IsZero() && !sess.expiresAt.After(now) {
			expired = append(expired, symbol)
		}
	}
	s.mux.RUnlock()
	for _, symbol := range expired {
		s.Destroy(symbol)
	}

	s.mux.RLock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mux.RUnlock()
	for _, sess := range live {
		s.mux.Lock()
		for number, bound := range sess.channels {
			if bound.deadline.After(now) {
				continue
			}
			delete(sess.channels, number)
			delete(sess.peers, bound.peer)
		}
		s.mux.Unlock()
	}
}

// Symbols returns all live session keys, sorted for stable output.
func (s *Store) Symbols() []Symbol {
	s.mux.RLock()
	out := make([]Symbol, 0, len(s.sessions))
	for symbol := range s.sessions {
		out = append(out, symbol)
	}
	s.mux.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Get returns a snapshot of the session, for the management surface.
func (s *Store) Get(symbol Symbol) (Info, bool) {
	sess, ok := s.get(symbol)
	if !ok {
		return Info{}, false
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	return sess.snapshot(), true
}

// Stats contains store statistics.
type Stats struct {
	Sessions       int
	Permissions    int
	Bindings       int
	PortCapacity   int
	PortsAllocated int
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	st := Stats{}
	s.mux.RLock()
	st.Sessions = len(s.sessions)
	for _, sess := range s.sessions {
		st.Permissions += len(sess.permissions)
		st.Bindings += len(sess.channels)
	}
	s.mux.RUnlock()
	s.portsMux.Lock()
	st.PortCapacity = s.ports.Capacity()
	st.PortsAllocated = s.ports.Allocated()
	s.portsMux.Unlock()
	return st
}

// Describe implements prometheus.Collector.
func (s *Store) Describe(c chan<- *prometheus.Desc) {
	for _, d := range s.metrics {
		c <- d
	}
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(c chan<- prometheus.Metric) {
	st := s.Stats()
	c <- prometheus.MustNewConstMetric(s.metrics["session_count"],
		prometheus.GaugeValue, float64(st.Sessions))
	c <- prometheus.MustNewConstMetric(s.metrics["permission_count"],
		prometheus.GaugeValue, float64(st.Permissions))
	c <- prometheus.MustNewConstMetric(s.metrics["binding_count"],
		prometheus.GaugeValue, float64(st.Bindings))
	c <- prometheus.MustNewConstMetric(s.metrics["allocated_ports"],
		prometheus.GaugeValue, float64(st.PortsAllocated))
}
