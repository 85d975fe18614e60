package cli

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func newStaticFromViper(t *testing.T, v *viper.Viper) *auth.Static {
	t.Helper()
	return auth.NewStatic(parseStaticCredentials(testLogger(), v, "localhost"))
}

func authRequest(username string) auth.Request {
	return auth.Request{Username: username, Algorithm: stun.AlgorithmMD5}
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"", "0.0.0.0:3478"},
		{"127.0.0.1", "127.0.0.1:3478"},
		{"127.0.0.1:3480", "127.0.0.1:3480"},
	} {
		if got := normalize(tc.in); got != tc.out {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.out)
		}
	}
}

func testViper(t *testing.T, config string) *viper.Viper {
	t.Helper()
	v := viper.New()
	initViper(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(config)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestParseInterfaces(t *testing.T) {
	v := testViper(t, `
server:
  interfaces:
    - transport: udp
      bind: 127.0.0.1:3478
      external: 192.0.2.1:3478
    - transport: tcp
      bind: 127.0.0.1
`)
	interfaces, raw, err := parseInterfaces(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(interfaces) != 2 {
		t.Fatalf("got %d interfaces", len(interfaces))
	}
	if interfaces[0].External.String() != "192.0.2.1:3478" {
		t.Errorf("external: %s", interfaces[0].External)
	}
	if interfaces[0].Transport != session.TransportUDP {
		t.Error("first interface should be udp")
	}
	// Bind without a port is normalized; missing external falls back
	// to bind.
	if interfaces[1].Bind.String() != "127.0.0.1:3478" {
		t.Errorf("bind: %s", interfaces[1].Bind)
	}
	if interfaces[1].External != interfaces[1].Bind {
		t.Error("external should default to bind")
	}
	if interfaces[1].Transport != session.TransportTCP {
		t.Error("second interface should be tcp")
	}
	if raw[1].Transport != "tcp" {
		t.Errorf("raw transport: %q", raw[1].Transport)
	}
}

func TestParseInterfacesDefaults(t *testing.T) {
	v := testViper(t, "version: 1\n")
	interfaces, _, err := parseInterfaces(v)
	if err != nil {
		t.Fatal(err)
	}
	if len(interfaces) != 1 || interfaces[0].Bind.String() != "127.0.0.1:3478" {
		t.Errorf("defaults: %+v", interfaces)
	}
}

func TestParseInterfacesBadTransport(t *testing.T) {
	v := testViper(t, `
server:
  interfaces:
    - transport: sctp
      bind: 127.0.0.1:3478
`)
	if _, _, err := parseInterfaces(v); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestParseFilteringRules(t *testing.T) {
	v := testViper(t, `
filter:
  peer:
    action: deny
    rules:
      - net: 10.0.0.0/8
        action: allow
`)
	rules, def, err := parseFilteringRules(testLogger(), v, "peer")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Errorf("rules: %d", len(rules))
	}
	if def.String() != "deny" {
		t.Errorf("default: %s", def)
	}
}

func TestBuildAuthChain(t *testing.T) {
	v := testViper(t, `
auth:
  secret: s3cr3t
  static:
    - username: user1
      password: test
`)
	static := newStaticFromViper(t, v)
	chain := buildAuth(static, v, "localhost", nil)
	if len(chain) != 2 {
		t.Errorf("chain length: %d", len(chain))
	}
	if _, ok := chain.Password(authRequest("user1")); !ok {
		t.Error("static credential unresolved")
	}
	// Any other username falls through to the secret source.
	if _, ok := chain.Password(authRequest("somebody")); !ok {
		t.Error("secret source unresolved")
	}
}
