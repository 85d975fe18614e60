package session

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

func testSymbol(port uint16) Symbol {
	return Symbol{
		Source:    netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
		Interface: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 3478),
		Transport: TransportUDP,
	}
}

func testPassword(t *testing.T) stun.Password {
	t.Helper()
	p, err := stun.NewPassword(stun.AlgorithmMD5, "user1", "localhost", "test")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStoreAllocateAndLookup(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	symbol := testSymbol(51678)

	s.Authenticate(symbol, "user1", testPassword(t), now)
	port, err := s.AllocatePort(symbol, now)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s.LookupByPort(port)
	if !ok || got != symbol {
		t.Errorf("reverse lookup: got %v, %v", got, ok)
	}
	if _, err := s.AllocatePort(symbol, now); !errors.Is(err, ErrAllocationMismatch) {
		t.Errorf("second allocate: got %v, want ErrAllocationMismatch", err)
	}

	if !s.Destroy(symbol) {
		t.Fatal("destroy reported missing session")
	}
	if _, ok := s.LookupByPort(port); ok {
		t.Error("reverse lookup should be empty after destroy")
	}
	// The released port is available again.
	other := testSymbol(51679)
	s.Authenticate(other, "user1", testPassword(t), now)
	if _, err := s.AllocatePort(other, now); err != nil {
		t.Errorf("allocate after release: %v", err)
	}
}

func TestStoreRefresh(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	if _, err := s.AllocatePort(symbol, now); err != nil {
		t.Fatal(err)
	}
	if !s.Refresh(symbol, 700*time.Second, now) {
		t.Error("refresh reported missing session")
	}
	// Zero lifetime destroys, idempotently.
	if !s.Refresh(symbol, 0, now) {
		t.Error("refresh(0) reported missing session")
	}
	if s.Refresh(symbol, 0, now) {
		t.Error("second refresh(0) should report missing session")
	}
	if s.Refresh(symbol, 600*time.Second, now) {
		t.Error("refresh after destroy should report missing session")
	}
}

func TestStoreDestroyCallback(t *testing.T) {
	var (
		gotUser string
		gotPort uint16
		hadPort bool
	)
	s := NewStore(Options{
		OnDestroy: func(symbol Symbol, username string, port uint16, had bool) {
			gotUser, gotPort, hadPort = username, port, had
		},
	})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	port, _ := s.AllocatePort(symbol, now)
	s.Destroy(symbol)
	if gotUser != "user1" || gotPort != port || !hadPort {
		t.Errorf("callback got (%q, %d, %v)", gotUser, gotPort, hadPort)
	}
}

func TestStorePermissions(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	if s.LookupPermission(symbol, 50001) {
		t.Error("permission should not exist yet")
	}
	if err := s.AddPermission(symbol, 50001); err != nil {
		t.Fatal(err)
	}
	if !s.LookupPermission(symbol, 50001) {
		t.Error("permission missing after add")
	}
	if s.LookupPermission(testSymbol(1), 50001) {
		t.Error("permission leaked to unknown session")
	}
}

func TestStoreChannels(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	peerA := netip.MustParseAddrPort("127.0.0.1:50001")
	peerB := netip.MustParseAddrPort("127.0.0.1:50002")

	if err := s.AddChannel(symbol, 0x4000, peerA, now); err != nil {
		t.Fatal(err)
	}
	got, ok := s.LookupChannel(symbol, 0x4000)
	if !ok || got != peerA {
		t.Errorf("lookup: got %v, %v", got, ok)
	}
	if n, ok := s.ChannelByPeer(symbol, peerA); !ok || n != 0x4000 {
		t.Errorf("by peer: got %v, %v", n, ok)
	}
	// The implicit permission is installed.
	if !s.LookupPermission(symbol, 50001) {
		t.Error("implicit permission missing")
	}
	// Rebinding the same pair refreshes.
	if err := s.AddChannel(symbol, 0x4000, peerA, now.Add(time.Minute)); err != nil {
		t.Errorf("rebind same pair: %v", err)
	}
	// Same channel, different peer conflicts.
	if err := s.AddChannel(symbol, 0x4000, peerB, now); !errors.Is(err, ErrChannelConflict) {
		t.Errorf("channel to second peer: got %v", err)
	}
	// Same peer, different channel conflicts.
	if err := s.AddChannel(symbol, 0x4001, peerA, now); !errors.Is(err, ErrChannelConflict) {
		t.Errorf("peer to second channel: got %v", err)
	}
	// Another channel and peer is fine.
	if err := s.AddChannel(symbol, 0x4001, peerB, now); err != nil {
		t.Errorf("independent binding: %v", err)
	}
	// Invalid channel number.
	if err := s.AddChannel(symbol, 0x3FFF, peerB, now); !errors.Is(err, ErrChannelConflict) {
		t.Errorf("invalid number: got %v", err)
	}
}

func TestStoreSweep(t *testing.T) {
	s := NewStore(Options{ChannelLifetime: time.Minute})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	port, _ := s.AllocatePort(symbol, now)
	peer := netip.MustParseAddrPort("127.0.0.1:50001")
	if err := s.AddChannel(symbol, 0x4000, peer, now); err != nil {
		t.Fatal(err)
	}

	// Channel expires before the session.
	s.Sweep(now.Add(2 * time.Minute))
	if _, ok := s.LookupChannel(symbol, 0x4000); ok {
		t.Error("channel should have expired")
	}
	if _, ok := s.LookupByPort(port); !ok {
		t.Error("session should still be alive")
	}

	// Session expires later.
	s.Sweep(now.Add(2 * time.Hour))
	if _, ok := s.LookupByPort(port); ok {
		t.Error("session should have been swept")
	}
}

func TestStoreNonceRotation(t *testing.T) {
	s := NewStore(Options{NonceLifetime: time.Hour})
	now := time.Now()
	symbol := testSymbol(51678)
	first, deadline := s.Nonce(symbol, now)
	if len(first) != 16 {
		t.Fatalf("nonce length: got %d", len(first))
	}
	if !deadline.After(now) {
		t.Error("nonce deadline not in the future")
	}
	again, _ := s.Nonce(symbol, now.Add(time.Minute))
	if again != first {
		t.Error("nonce rotated before expiry")
	}
	rotated, _ := s.Nonce(symbol, now.Add(2*time.Hour))
	if rotated == first {
		t.Error("nonce not rotated after expiry")
	}
}

func TestEffectiveLifetime(t *testing.T) {
	s := NewStore(Options{
		DefaultLifetime: 600 * time.Second,
		MaxLifetime:     3600 * time.Second,
	})
	for _, tc := range []struct {
		requested, want time.Duration
	}{
		{0, 0},
		{30 * time.Second, 600 * time.Second},
		{600 * time.Second, 600 * time.Second},
		{1800 * time.Second, 1800 * time.Second},
		{7200 * time.Second, 3600 * time.Second},
	} {
		if got := s.EffectiveLifetime(tc.requested); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.requested, got, tc.want)
		}
	}
}

func TestStoreStats(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	symbol := testSymbol(51678)
	s.Authenticate(symbol, "user1", testPassword(t), now)
	if _, err := s.AllocatePort(symbol, now); err != nil {
		t.Fatal(err)
	}
	_ = s.AddPermission(symbol, 50001)
	_ = s.AddChannel(symbol, 0x4000, netip.MustParseAddrPort("127.0.0.1:50002"), now)
	st := s.Stats()
	if st.Sessions != 1 || st.PortsAllocated != 1 {
		t.Errorf("stats: %+v", st)
	}
	if st.Permissions != 2 || st.Bindings != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestSymbolDistinctTransports(t *testing.T) {
	s := NewStore(Options{})
	now := time.Now()
	udp := testSymbol(51678)
	tcp := udp
	tcp.Transport = TransportTCP
	s.Authenticate(udp, "user1", testPassword(t), now)
	s.Authenticate(tcp, "user2", testPassword(t), now)
	u1, _, _ := s.Credentials(udp)
	u2, _, _ := s.Credentials(tcp)
	if u1 != "user1" || u2 != "user2" {
		t.Errorf("transports share state: %q, %q", u1, u2)
	}
}
