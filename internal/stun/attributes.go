package stun

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// AttrType is an attribute type code.
type AttrType uint16

// Attribute types the codec knows about.
const (
	AttrMappedAddress          AttrType = 0x0001
	AttrUsername               AttrType = 0x0006
	AttrMessageIntegrity       AttrType = 0x0008
	AttrErrorCode              AttrType = 0x0009
	AttrUnknownAttributes      AttrType = 0x000A
	AttrChannelNumber          AttrType = 0x000C
	AttrLifetime               AttrType = 0x000D
	AttrXORPeerAddress         AttrType = 0x0012
	AttrData                   AttrType = 0x0013
	AttrRealm                  AttrType = 0x0014
	AttrNonce                  AttrType = 0x0015
	AttrXORRelayedAddress      AttrType = 0x0016
	AttrRequestedTransport     AttrType = 0x0019
	AttrXORMappedAddress       AttrType = 0x0020
	AttrMessageIntegritySHA256 AttrType = 0x001C
	AttrPasswordAlgorithm      AttrType = 0x001D
	AttrPasswordAlgorithms     AttrType = 0x8002
	AttrSoftware               AttrType = 0x8022
	AttrResponseOrigin         AttrType = 0x802B
	AttrFingerprint            AttrType = 0x8028
)

// Value returns the wire value of the type.
func (t AttrType) Value() uint16 { return uint16(t) }

func attrType(v uint16) AttrType { return AttrType(v) }

var attrName = map[AttrType]string{
	AttrMappedAddress:          "MAPPED-ADDRESS",
	AttrUsername:               "USERNAME",
	AttrMessageIntegrity:       "MESSAGE-INTEGRITY",
	AttrErrorCode:              "ERROR-CODE",
	AttrUnknownAttributes:      "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:          "CHANNEL-NUMBER",
	AttrLifetime:               "LIFETIME",
	AttrXORPeerAddress:         "XOR-PEER-ADDRESS",
	AttrData:                   "DATA",
	AttrRealm:                  "REALM",
	AttrNonce:                  "NONCE",
	AttrXORRelayedAddress:      "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport:     "REQUESTED-TRANSPORT",
	AttrXORMappedAddress:       "XOR-MAPPED-ADDRESS",
	AttrMessageIntegritySHA256: "MESSAGE-INTEGRITY-SHA256",
	AttrPasswordAlgorithm:      "PASSWORD-ALGORITHM",
	AttrPasswordAlgorithms:     "PASSWORD-ALGORITHMS",
	AttrSoftware:               "SOFTWARE",
	AttrResponseOrigin:         "RESPONSE-ORIGIN",
	AttrFingerprint:            "FINGERPRINT",
}

func (t AttrType) String() string {
	if s, ok := attrName[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%x", uint16(t))
}

const attrHeaderSize = 4

// RawAttribute is a (type, byte-range) view into the message buffer.
type RawAttribute struct {
	Type   AttrType
	Length uint16
	Value  []byte // view into Message.Raw
	Offset int    // offset of the attribute header in Message.Raw
}

// Attributes is a list of decoded attribute views.
type Attributes []RawAttribute

// Get returns the first attribute of type t.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, candidate := range a {
		if candidate.Type == t {
			return candidate, true
		}
	}
	return RawAttribute{}, false
}

func addText(m *Message, t AttrType, v []byte) error {
	m.Add(t, v)
	return nil
}

func getText(m *Message, t AttrType) ([]byte, error) {
	v, err := m.Get(t)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(v) {
		return nil, errors.Wrapf(ErrInvalidInput, "%s is not valid UTF-8", t)
	}
	return v, nil
}

// Username is the USERNAME attribute.
type Username []byte

// NewUsername returns Username for the given string.
func NewUsername(v string) Username { return Username(v) }

func (u Username) String() string { return string(u) }

// AddTo implements Setter.
func (u Username) AddTo(m *Message) error { return addText(m, AttrUsername, u) }

// GetFrom implements Getter.
func (u *Username) GetFrom(m *Message) error {
	v, err := getText(m, AttrUsername)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Realm is the REALM attribute.
type Realm []byte

// NewRealm returns Realm for the given string.
func NewRealm(v string) Realm { return Realm(v) }

func (r Realm) String() string { return string(r) }

// AddTo implements Setter.
func (r Realm) AddTo(m *Message) error { return addText(m, AttrRealm, r) }

// GetFrom implements Getter.
func (r *Realm) GetFrom(m *Message) error {
	v, err := getText(m, AttrRealm)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Nonce is the NONCE attribute.
type Nonce []byte

// NewNonce returns Nonce for the given string.
func NewNonce(v string) Nonce { return Nonce(v) }

func (n Nonce) String() string { return string(n) }

// AddTo implements Setter.
func (n Nonce) AddTo(m *Message) error { return addText(m, AttrNonce, n) }

// GetFrom implements Getter.
func (n *Nonce) GetFrom(m *Message) error {
	v, err := getText(m, AttrNonce)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Software is the SOFTWARE attribute.
type Software []byte

// NewSoftware returns Software for the given string.
func NewSoftware(v string) Software { return Software(v) }

func (s Software) String() string { return string(s) }

// AddTo implements Setter.
func (s Software) AddTo(m *Message) error { return addText(m, AttrSoftware, s) }

// GetFrom implements Getter.
func (s *Software) GetFrom(m *Message) error {
	v, err := getText(m, AttrSoftware)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Data is the DATA attribute carrying an opaque payload.
type Data []byte

// AddTo implements Setter.
func (d Data) AddTo(m *Message) error {
	m.Add(AttrData, d)
	return nil
}

// GetFrom implements Getter.
func (d *Data) GetFrom(m *Message) error {
	v, err := m.Get(AttrData)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// UnknownAttributes is the UNKNOWN-ATTRIBUTES attribute: a sequence of
// 16-bit type codes.
type UnknownAttributes []AttrType

// AddTo implements Setter.
func (a UnknownAttributes) AddTo(m *Message) error {
	v := make([]byte, 0, len(a)*2)
	for _, t := range a {
		v = append(v, byte(t.Value()>>8), byte(t.Value()))
	}
	m.Add(AttrUnknownAttributes, v)
	return nil
}

// GetFrom implements Getter.
func (a *UnknownAttributes) GetFrom(m *Message) error {
	v, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	if len(v)%2 != 0 {
		return errors.Wrap(ErrInvalidInput, "odd UNKNOWN-ATTRIBUTES length")
	}
	*a = (*a)[:0]
	for i := 0; i < len(v); i += 2 {
		*a = append(*a, attrType(bin.Uint16(v[i:i+2])))
	}
	return nil
}
