package hooks

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

func testSymbol() session.Symbol {
	return session.Symbol{
		Source:    netip.MustParseAddrPort("127.0.0.1:51678"),
		Interface: netip.MustParseAddrPort("127.0.0.1:3478"),
		Transport: session.TransportUDP,
	}
}

func TestPasswordLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/password" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("username") != "user1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"password": "test"})
	}))
	defer srv.Close()

	c := NewClient(Options{
		Log:      zap.NewNop(),
		Endpoint: srv.URL,
		Realm:    "localhost",
	})
	p, ok := c.Password(auth.Request{
		Symbol:    testSymbol(),
		Username:  "user1",
		Algorithm: stun.AlgorithmMD5,
	})
	if !ok {
		t.Fatal("lookup missed")
	}
	if got := hex.EncodeToString(p.Key); got != "1a258a3f8d545f72087cf1285c006ff8" {
		t.Errorf("derived key: %s", got)
	}
	if _, ok := c.Password(auth.Request{Username: "ghost", Algorithm: stun.AlgorithmMD5}); ok {
		t.Error("unknown user resolved")
	}
}

func TestPasswordLookupKeyTakesPrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"password": "ignored",
			"key":      "8493fbc53ba582fb4c044c456bdc40eb",
		})
	}))
	defer srv.Close()
	c := NewClient(Options{Log: zap.NewNop(), Endpoint: srv.URL, Realm: "realm"})
	p, ok := c.Password(auth.Request{Username: "user", Algorithm: stun.AlgorithmMD5})
	if !ok {
		t.Fatal("lookup missed")
	}
	if hex.EncodeToString(p.Key) != "8493fbc53ba582fb4c044c456bdc40eb" {
		t.Error("pre-computed key not used")
	}
}

func TestPasswordLookupTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := NewClient(Options{
		Log:      zap.NewNop(),
		Endpoint: srv.URL,
		Timeout:  50 * time.Millisecond,
		Realm:    "localhost",
	})
	start := time.Now()
	if _, ok := c.Password(auth.Request{Username: "user1", Algorithm: stun.AlgorithmMD5}); ok {
		t.Error("timed-out lookup resolved")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not bounded")
	}
}

func TestEventDelivery(t *testing.T) {
	var (
		mux    sync.Mutex
		kinds  []string
		gotOne = make(chan struct{}, 16)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		var e struct {
			Kind string `json:"kind"`
		}
		_ = json.NewDecoder(r.Body).Decode(&e)
		mux.Lock()
		kinds = append(kinds, e.Kind)
		mux.Unlock()
		gotOne <- struct{}{}
	}))
	defer srv.Close()

	c := NewClient(Options{Log: zap.NewNop(), Endpoint: srv.URL, Realm: "localhost"})
	symbol := testSymbol()
	c.OnAllocated(symbol, "user1", 50000)
	c.OnChannelBind(symbol, "user1", 0x4000)
	c.OnCreatePermission(symbol, "user1", []uint16{50001})
	c.OnRefresh(symbol, "user1", 600)
	c.OnDestroy(symbol, "user1")

	deadline := time.After(2 * time.Second)
	for i := 0; i < 5; i++ {
		select {
		case <-gotOne:
		case <-deadline:
			t.Fatalf("only %d events delivered", i)
		}
	}
	mux.Lock()
	defer mux.Unlock()
	want := []string{"allocated", "channel_bind", "create_permission", "refresh", "destroyed"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestNoEndpointIsMiss(t *testing.T) {
	c := NewClient(Options{Log: zap.NewNop()})
	if _, ok := c.Password(auth.Request{Username: "user1"}); ok {
		t.Error("empty endpoint resolved a credential")
	}
}
