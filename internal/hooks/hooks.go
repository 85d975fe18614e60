// Package hooks implements the webhook collaborator surface: credential
// lookup over HTTP with a bounded timeout, and lifecycle event
// delivery. Event delivery failures never affect protocol behavior.
package hooks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// DefaultTimeout bounds the credential lookup round trip.
const DefaultTimeout = 5 * time.Second

// Options configure a Client.
type Options struct {
	Log      *zap.Logger
	Endpoint string
	Timeout  time.Duration
	Realm    string
}

// Client talks to the webhook endpoint. It implements auth.Source for
// credential lookup and processor.Observer for lifecycle events.
type Client struct {
	log      *zap.Logger
	endpoint string
	realm    string
	http     *http.Client
	events   chan event
}

type event struct {
	Kind     string `json:"kind"`
	Session  string `json:"session"`
	Username string `json:"username,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Channel  uint16 `json:"channel,omitempty"`
	Ports    []uint16 `json:"ports,omitempty"`
	Lifetime uint32 `json:"lifetime,omitempty"`
}

const eventQueueDepth = 256

// NewClient initializes and returns a new hook client.
func NewClient(o Options) *Client {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	c := &Client{
		log:      o.Log,
		endpoint: o.Endpoint,
		realm:    o.Realm,
		http:     &http.Client{Timeout: o.Timeout},
		events:   make(chan event, eventQueueDepth),
	}
	go c.deliver()
	return c
}

// passwordResponse is the credential lookup reply body.
type passwordResponse struct {
	// Password is the clear-text password; the digest is derived
	// locally.
	Password string `json:"password"`
	// Key is an optional pre-computed digest, hex encoded. Takes
	// precedence over Password when set.
	Key string `json:"key"`
}

// Password implements auth.Source. A timeout or any transport error is
// a miss: the processor answers 401 and the client may retry.
func (c *Client) Password(r auth.Request) (stun.Password, bool) {
	if c.endpoint == "" {
		return stun.Password{}, false
	}
	q := url.Values{}
	q.Set("session", r.Symbol.String())
	q.Set("username", r.Username)
	q.Set("realm", c.realm)
	q.Set("algorithm", r.Algorithm.String())
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/password?"+q.Encode(), nil)
	if err != nil {
		c.log.Warn("bad hook request", zap.Error(err))
		return stun.Password{}, false
	}
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("hook credential lookup failed", zap.Error(err))
		return stun.Password{}, false
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return stun.Password{}, false
	}
	var body passwordResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		c.log.Warn("bad hook response", zap.Error(err))
		return stun.Password{}, false
	}
	if body.Key != "" {
		key, err := hex.DecodeString(body.Key)
		if err != nil {
			c.log.Warn("bad hook key", zap.Error(err))
			return stun.Password{}, false
		}
		return stun.Password{Algorithm: r.Algorithm, Key: key}, true
	}
	password, err := stun.NewPassword(r.Algorithm, r.Username, c.realm, body.Password)
	if err != nil {
		return stun.Password{}, false
	}
	return password, true
}

// emit queues an event for delivery, dropping when the queue is full
// so the packet path never blocks on the webhook.
func (c *Client) emit(e event) {
	if c.endpoint == "" {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("hook event queue full, dropping", zap.String("kind", e.Kind))
	}
}

func (c *Client) deliver() {
	for e := range c.events {
		body, err := json.Marshal(e)
		if err != nil {
			c.log.Error("failed to marshal event", zap.Error(err))
			continue
		}
		res, err := c.http.Post(c.endpoint+"/events", "application/json", bytes.NewReader(body))
		if err != nil {
			c.log.Warn("hook event delivery failed",
				zap.String("kind", e.Kind), zap.Error(err))
			continue
		}
		_ = res.Body.Close()
	}
}

// OnAllocated implements processor.Observer.
func (c *Client) OnAllocated(symbol session.Symbol, username string, port uint16) {
	c.emit(event{Kind: "allocated", Session: symbol.String(), Username: username, Port: port})
}

// OnChannelBind implements processor.Observer.
func (c *Client) OnChannelBind(symbol session.Symbol, username string, number uint16) {
	c.emit(event{Kind: "channel_bind", Session: symbol.String(), Username: username, Channel: number})
}

// OnCreatePermission implements processor.Observer.
func (c *Client) OnCreatePermission(symbol session.Symbol, username string, ports []uint16) {
	c.emit(event{Kind: "create_permission", Session: symbol.String(), Username: username, Ports: ports})
}

// OnRefresh implements processor.Observer.
func (c *Client) OnRefresh(symbol session.Symbol, username string, lifetime uint32) {
	c.emit(event{Kind: "refresh", Session: symbol.String(), Username: username, Lifetime: lifetime})
}

// OnDestroy implements processor.Observer.
func (c *Client) OnDestroy(symbol session.Symbol, username string) {
	c.emit(event{Kind: "destroyed", Session: symbol.String(), Username: username})
}
