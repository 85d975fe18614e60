package processor

import (
	"time"

	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// context carries the state of one request through decode, auth and
// handling. It lives for a single Process call.
type context struct {
	processor *Processor
	rt        Runtime
	time      time.Time
	symbol    session.Symbol
	buf       []byte
	request   *stun.Message

	// Set by auth for signing the response.
	username  string
	integrity stun.Password
	hasKey    bool
}

// reply assembles a response message and wraps it in an Outbound with
// a same-socket target.
func (c *context) reply(class stun.MessageClass, setters ...stun.Setter) (*Outbound, error) {
	if c.request.Type.Class == stun.ClassIndication {
		// No responses for indications.
		return nil, nil
	}
	t := stun.NewType(c.request.Type.Method, class)
	res := new(stun.Message)
	res.TransactionID = c.request.TransactionID
	all := make([]stun.Setter, 0, len(setters)+3)
	all = append(all, t)
	all = append(all, setters...)
	if len(c.rt.Software) > 0 {
		all = append(all, stun.NewSoftware(c.rt.Software))
	}
	if c.hasKey {
		all = append(all, c.integrity)
	}
	all = append(all, stun.Fingerprint)
	if err := res.Build(all...); err != nil {
		return nil, err
	}
	return &Outbound{
		Kind:   KindMessage,
		Method: t,
		Data:   res.Raw,
	}, nil
}

// buildOk builds a success response.
func (c *context) buildOk(setters ...stun.Setter) (*Outbound, error) {
	return c.reply(stun.ClassSuccessResponse, setters...)
}

// buildErr builds an error response. Every error response carries the
// realm and the session's current nonce; 401 also carries the supported
// password algorithms.
func (c *context) buildErr(code stun.ErrorCode, setters ...stun.Setter) (*Outbound, error) {
	all := make([]stun.Setter, 0, len(setters)+4)
	all = append(all, code)
	nonce, _ := c.processor.store.Nonce(c.symbol, c.time)
	all = append(all,
		stun.NewRealm(c.rt.Realm),
		stun.NewNonce(nonce),
	)
	if code == stun.CodeUnauthorized {
		all = append(all, stun.PasswordAlgorithms{stun.AlgorithmMD5, stun.AlgorithmSHA256})
	}
	all = append(all, setters...)
	return c.reply(stun.ClassErrorResponse, all...)
}
