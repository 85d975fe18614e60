// Package manage implements the HTTP management surface: server
// status, session inspection and destruction, and reload requests. All
// operations are observational or idempotent destructive; none change
// protocol behavior.
package manage

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/session"
)

// Notifier wraps notify method.
type Notifier interface {
	Notify()
}

// Options configure a Manager.
type Options struct {
	Log      *zap.Logger
	Store    *session.Store
	Notifier Notifier
	Software string
	Realm    string
}

// Manager handles http management endpoints.
type Manager struct {
	log      *zap.Logger
	store    *session.Store
	notifier Notifier
	software string
	realm    string
	started  time.Time
}

// NewManager initializes and returns a Manager.
func NewManager(o Options) *Manager {
	return &Manager{
		log:      o.Log,
		store:    o.Store,
		notifier: o.Notifier,
		software: o.Software,
		realm:    o.Realm,
		started:  time.Now(),
	}
}

func (m *Manager) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Warn("failed to write response", zap.Error(err))
	}
}

type statusBody struct {
	Software       string `json:"software"`
	Realm          string `json:"realm"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Sessions       int    `json:"sessions"`
	Permissions    int    `json:"permissions"`
	Bindings       int    `json:"bindings"`
	PortCapacity   int    `json:"port_capacity"`
	PortsAllocated int    `json:"ports_allocated"`
}

type sessionBody struct {
	Source      string   `json:"source"`
	Interface   string   `json:"interface"`
	Transport   string   `json:"transport"`
	Username    string   `json:"username,omitempty"`
	Port        uint16   `json:"port,omitempty"`
	Channels    []uint16 `json:"channels,omitempty"`
	Permissions []uint16 `json:"permissions,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	RecvBytes   uint64   `json:"recv_bytes"`
	SendBytes   uint64   `json:"send_bytes"`
	RecvPkts    uint64   `json:"recv_pkts"`
	SendPkts    uint64   `json:"send_pkts"`
}

// ServeHTTP implements http.Handler.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/status":
		st := m.store.Stats()
		m.writeJSON(w, http.StatusOK, statusBody{
			Software:       m.software,
			Realm:          m.realm,
			UptimeSeconds:  int64(time.Since(m.started).Seconds()),
			Sessions:       st.Sessions,
			Permissions:    st.Permissions,
			Bindings:       st.Bindings,
			PortCapacity:   st.PortCapacity,
			PortsAllocated: st.PortsAllocated,
		})
	case "/sessions":
		out := make([]string, 0, 16)
		for _, symbol := range m.store.Symbols() {
			out = append(out, symbol.String())
		}
		m.writeJSON(w, http.StatusOK, out)
	case "/session":
		m.serveSession(w, r)
	case "/reload":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		m.log.Info("got reload request")
		m.notifier.Notify()
		m.writeJSON(w, http.StatusOK, "server will be reloaded soon")
	default:
		m.writeJSON(w, http.StatusNotFound, "management endpoint not found")
	}
}

// symbolFromQuery parses the session identifier query, of the form
// ?addr=<source_address>&interface=<interface_address>&transport=udp.
func symbolFromQuery(r *http.Request) (session.Symbol, bool) {
	source, err := netip.ParseAddrPort(r.URL.Query().Get("addr"))
	if err != nil {
		return session.Symbol{}, false
	}
	iface, err := netip.ParseAddrPort(r.URL.Query().Get("interface"))
	if err != nil {
		return session.Symbol{}, false
	}
	transport := session.TransportUDP
	if r.URL.Query().Get("transport") == "tcp" {
		transport = session.TransportTCP
	}
	return session.Symbol{Source: source, Interface: iface, Transport: transport}, true
}

func (m *Manager) serveSession(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolFromQuery(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		info, ok := m.store.Get(symbol)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := sessionBody{
			Source:      symbol.Source.String(),
			Interface:   symbol.Interface.String(),
			Transport:   symbol.Transport.String(),
			Username:    info.Username,
			Channels:    info.Channels,
			Permissions: info.Permissions,
			RecvBytes:   info.RecvBytes,
			SendBytes:   info.SendBytes,
			RecvPkts:    info.RecvPkts,
			SendPkts:    info.SendPkts,
		}
		if info.HasPort {
			body.Port = info.Port
		}
		if !info.ExpiresAt.IsZero() {
			body.ExpiresAt = info.ExpiresAt.Format(time.RFC3339)
		}
		m.writeJSON(w, http.StatusOK, body)
	case http.MethodDelete:
		if !m.store.Destroy(symbol) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.log.Info("session destroyed by admin", zap.Stringer("symbol", symbol))
		m.writeJSON(w, http.StatusOK, "destroyed")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
