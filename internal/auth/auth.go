// Package auth implements credential sources for long-term credential
// authentication: a static username map, a shared-secret REST style
// source and a chain combinator. The external hook source lives in the
// hooks package.
package auth

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// Request identifies a credential lookup.
type Request struct {
	Symbol    session.Symbol
	Username  string
	Algorithm stun.Algorithm
}

// Source resolves a username to a long-term credential digest. A
// lookup may block (the hook source does); the processor treats a miss
// as 401.
type Source interface {
	Password(r Request) (stun.Password, bool)
}

// StaticCredential is one configured username/password pair.
type StaticCredential struct {
	Username string
	Password string
	Realm    string
}

type staticKeys struct {
	md5    stun.Password
	sha256 stun.Password
}

// Static resolves credentials from a fixed map. Digests for both
// algorithms are precomputed at construction.
type Static struct {
	mux         sync.RWMutex
	credentials map[string]staticKeys
}

// NewStatic initializes Static from the credential list.
func NewStatic(credentials []StaticCredential) *Static {
	s := &Static{credentials: make(map[string]staticKeys, len(credentials))}
	s.Set(credentials)
	return s
}

// Set replaces the credential map. Used on config reload.
func (s *Static) Set(credentials []StaticCredential) {
	next := make(map[string]staticKeys, len(credentials))
	for _, c := range credentials {
		next[c.Username] = staticKeys{
			md5: stun.Password{
				Algorithm: stun.AlgorithmMD5,
				Key:       stun.LongTermMD5(c.Username, c.Realm, c.Password),
			},
			sha256: stun.Password{
				Algorithm: stun.AlgorithmSHA256,
				Key:       stun.LongTermSHA256(c.Username, c.Realm, c.Password),
			},
		}
	}
	s.mux.Lock()
	s.credentials = next
	s.mux.Unlock()
}

// Password implements Source.
func (s *Static) Password(r Request) (stun.Password, bool) {
	s.mux.RLock()
	keys, ok := s.credentials[r.Username]
	s.mux.RUnlock()
	if !ok {
		return stun.Password{}, false
	}
	if r.Algorithm == stun.AlgorithmSHA256 {
		return keys.sha256, true
	}
	return keys.md5, true
}

// Secret resolves REST style time-limited credentials derived from a
// shared secret: password = base64(HMAC-SHA1(secret, username)).
// Usernames of the form "<unix_ts>:<user>" are rejected once the
// timestamp passes; usernames without the separator are accepted as
// plain identities.
type Secret struct {
	secret string
	realm  string
	now    func() time.Time
}

// NewSecret initializes a Secret source.
func NewSecret(secret, realm string) *Secret {
	return &Secret{secret: secret, realm: realm, now: time.Now}
}

// Password implements Source.
func (s *Secret) Password(r Request) (stun.Password, bool) {
	if s.secret == "" {
		return stun.Password{}, false
	}
	if ts, _, ok := strings.Cut(r.Username, ":"); ok {
		deadline, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || time.Unix(deadline, 0).Before(s.now()) {
			return stun.Password{}, false
		}
	}
	password, err := stun.NewPassword(
		r.Algorithm, r.Username, s.realm,
		stun.SecretPassword(s.secret, r.Username),
	)
	if err != nil {
		return stun.Password{}, false
	}
	return password, true
}

// Chain tries sources in order and returns the first hit.
type Chain []Source

// Password implements Source.
func (c Chain) Password(r Request) (stun.Password, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if p, ok := s.Password(r); ok {
			return p, ok
		}
	}
	return stun.Password{}, false
}
