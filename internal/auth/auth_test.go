package auth

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

func TestStaticPassword(t *testing.T) {
	s := NewStatic([]StaticCredential{
		{Username: "user1", Password: "test", Realm: "localhost"},
	})
	p, ok := s.Password(Request{Username: "user1", Algorithm: stun.AlgorithmMD5})
	if !ok {
		t.Fatal("credential not found")
	}
	if got := hex.EncodeToString(p.Key); got != "1a258a3f8d545f72087cf1285c006ff8" {
		t.Errorf("md5 key: got %s", got)
	}
	p, ok = s.Password(Request{Username: "user1", Algorithm: stun.AlgorithmSHA256})
	if !ok || len(p.Key) != 32 {
		t.Errorf("sha256 key: %v, %d bytes", ok, len(p.Key))
	}
	if _, ok := s.Password(Request{Username: "nobody", Algorithm: stun.AlgorithmMD5}); ok {
		t.Error("unknown user resolved")
	}
}

func TestStaticSet(t *testing.T) {
	s := NewStatic(nil)
	if _, ok := s.Password(Request{Username: "user1", Algorithm: stun.AlgorithmMD5}); ok {
		t.Fatal("empty static resolved a user")
	}
	s.Set([]StaticCredential{{Username: "user1", Password: "test", Realm: "localhost"}})
	if _, ok := s.Password(Request{Username: "user1", Algorithm: stun.AlgorithmMD5}); !ok {
		t.Error("user missing after Set")
	}
}

func TestSecretPassword(t *testing.T) {
	s := NewSecret("secret", "localhost")
	p, ok := s.Password(Request{Username: "user", Algorithm: stun.AlgorithmMD5})
	if !ok {
		t.Fatal("secret source missed")
	}
	want, err := stun.NewPassword(stun.AlgorithmMD5, "user", "localhost",
		stun.SecretPassword("secret", "user"))
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(p.Key) != hex.EncodeToString(want.Key) {
		t.Error("derived key mismatch")
	}
}

func TestSecretTimestampUsernames(t *testing.T) {
	s := NewSecret("secret", "localhost")
	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }
	for _, tc := range []struct {
		name     string
		username string
		ok       bool
	}{
		{"future", strconv.FormatInt(base.Add(time.Hour).Unix(), 10) + ":user", true},
		{"expired", strconv.FormatInt(base.Add(-time.Hour).Unix(), 10) + ":user", false},
		{"plain", "user", true},
		{"garbage ts", "notanumber:user", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := s.Password(Request{Username: tc.username, Algorithm: stun.AlgorithmMD5})
			if ok != tc.ok {
				t.Errorf("got %v, want %v", ok, tc.ok)
			}
		})
	}
}

type sourceFunc func(r Request) (stun.Password, bool)

func (f sourceFunc) Password(r Request) (stun.Password, bool) { return f(r) }

func TestChainOrder(t *testing.T) {
	first := stun.Password{Algorithm: stun.AlgorithmMD5, Key: []byte{1}}
	second := stun.Password{Algorithm: stun.AlgorithmMD5, Key: []byte{2}}
	chain := Chain{
		nil,
		sourceFunc(func(r Request) (stun.Password, bool) {
			if r.Username == "a" {
				return first, true
			}
			return stun.Password{}, false
		}),
		sourceFunc(func(r Request) (stun.Password, bool) { return second, true }),
	}
	if p, ok := chain.Password(Request{Username: "a"}); !ok || fmt.Sprint(p.Key) != fmt.Sprint(first.Key) {
		t.Error("first source not preferred")
	}
	if p, ok := chain.Password(Request{Username: "b"}); !ok || fmt.Sprint(p.Key) != fmt.Sprint(second.Key) {
		t.Error("fallback source not used")
	}
	if _, ok := (Chain{}).Password(Request{Username: "a"}); ok {
		t.Error("empty chain resolved")
	}
}
