package stun

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Lifetime is the LIFETIME attribute: allocation time-to-expiry in
// seconds as u32.
type Lifetime struct {
	Duration time.Duration
}

func (l Lifetime) String() string { return l.Duration.String() }

const lifetimeSize = 4

// AddTo implements Setter.
func (l Lifetime) AddTo(m *Message) error {
	v := make([]byte, lifetimeSize)
	bin.PutUint32(v, uint32(l.Duration.Seconds()))
	m.Add(AttrLifetime, v)
	return nil
}

// GetFrom implements Getter.
func (l *Lifetime) GetFrom(m *Message) error {
	v, err := m.Get(AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != lifetimeSize {
		return errors.Wrap(ErrInvalidInput, "bad LIFETIME length")
	}
	l.Duration = time.Duration(bin.Uint32(v)) * time.Second
	return nil
}

// Protocol is the REQUESTED-TRANSPORT protocol number.
type Protocol byte

// ProtoUDP is the only transport a relay can be allocated for.
const ProtoUDP Protocol = 17

func (p Protocol) String() string {
	if p == ProtoUDP {
		return "udp"
	}
	return fmt.Sprintf("0x%x", byte(p))
}

// RequestedTransport is the REQUESTED-TRANSPORT attribute.
type RequestedTransport struct {
	Protocol Protocol
}

const requestedTransportSize = 4

// AddTo implements Setter.
func (t RequestedTransport) AddTo(m *Message) error {
	v := make([]byte, requestedTransportSize)
	v[0] = byte(t.Protocol)
	m.Add(AttrRequestedTransport, v)
	return nil
}

// GetFrom implements Getter.
func (t *RequestedTransport) GetFrom(m *Message) error {
	v, err := m.Get(AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != requestedTransportSize {
		return errors.Wrap(ErrInvalidInput, "bad REQUESTED-TRANSPORT length")
	}
	t.Protocol = Protocol(v[0])
	return nil
}

// ChannelNumber is the CHANNEL-NUMBER attribute value.
type ChannelNumber uint16

// Valid channel number bounds per RFC 8656.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x4FFE
)

// Valid reports whether the number is in the allowed range.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

func (n ChannelNumber) String() string { return fmt.Sprintf("0x%x", uint16(n)) }

const channelNumberSize = 4

// AddTo implements Setter.
func (n ChannelNumber) AddTo(m *Message) error {
	v := make([]byte, channelNumberSize)
	bin.PutUint16(v[0:2], uint16(n))
	// The two trailing bytes are RFFU and zero.
	m.Add(AttrChannelNumber, v)
	return nil
}

// GetFrom implements Getter.
func (n *ChannelNumber) GetFrom(m *Message) error {
	v, err := m.Get(AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != channelNumberSize {
		return errors.Wrap(ErrInvalidInput, "bad CHANNEL-NUMBER length")
	}
	decoded := ChannelNumber(bin.Uint16(v[0:2]))
	if !decoded.Valid() {
		return errors.Wrapf(ErrInvalidInput, "channel number %s out of range", decoded)
	}
	*n = decoded
	return nil
}

// Algorithm is a password hashing algorithm identifier.
type Algorithm uint16

// Registered algorithms.
const (
	AlgorithmMD5    Algorithm = 0x0001
	AlgorithmSHA256 Algorithm = 0x0002
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmMD5:
		return "md5"
	case AlgorithmSHA256:
		return "sha-256"
	default:
		return fmt.Sprintf("0x%x", uint16(a))
	}
}

// PasswordAlgorithms is the PASSWORD-ALGORITHMS attribute: the list of
// algorithms the server supports, in order of preference.
type PasswordAlgorithms []Algorithm

// AddTo implements Setter. Neither MD5 nor SHA-256 carries parameters.
func (a PasswordAlgorithms) AddTo(m *Message) error {
	v := make([]byte, 0, len(a)*4)
	for _, alg := range a {
		v = append(v, byte(alg>>8), byte(alg), 0, 0)
	}
	m.Add(AttrPasswordAlgorithms, v)
	return nil
}

// GetFrom implements Getter.
func (a *PasswordAlgorithms) GetFrom(m *Message) error {
	v, err := m.Get(AttrPasswordAlgorithms)
	if err != nil {
		return err
	}
	*a = (*a)[:0]
	for len(v) > 0 {
		if len(v) < 4 {
			return errors.Wrap(ErrInvalidInput, "PASSWORD-ALGORITHMS truncated")
		}
		alg := Algorithm(bin.Uint16(v[0:2]))
		paramsLen := int(bin.Uint16(v[2:4]))
		total := 4 + nearestPadded(paramsLen)
		if len(v) < total {
			return errors.Wrap(ErrInvalidInput, "PASSWORD-ALGORITHMS params overflow")
		}
		*a = append(*a, alg)
		v = v[total:]
	}
	return nil
}

// PasswordAlgorithm is the PASSWORD-ALGORITHM attribute: the single
// algorithm the client selected.
type PasswordAlgorithm struct {
	Algorithm Algorithm
}

// AddTo implements Setter.
func (a PasswordAlgorithm) AddTo(m *Message) error {
	m.Add(AttrPasswordAlgorithm, []byte{byte(a.Algorithm >> 8), byte(a.Algorithm), 0, 0})
	return nil
}

// GetFrom implements Getter.
func (a *PasswordAlgorithm) GetFrom(m *Message) error {
	v, err := m.Get(AttrPasswordAlgorithm)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return errors.Wrap(ErrInvalidInput, "bad PASSWORD-ALGORITHM length")
	}
	a.Algorithm = Algorithm(bin.Uint16(v[0:2]))
	return nil
}
