package stun

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
)

// Message is a decoded or under-construction STUN message. Raw always
// holds the wire representation; after Decode the Attributes slice
// borrows value ranges from Raw.
type Message struct {
	Type          MessageType
	Length        uint32 // length in bytes, excluding the header
	TransactionID [TransactionIDSize]byte
	Attributes    Attributes
	Raw           []byte
}

// New returns a message with the header written and a fresh random
// transaction ID.
func New() *Message {
	const defaultRawCapacity = 120
	m := &Message{
		Raw: make([]byte, MessageHeaderSize, defaultRawCapacity),
	}
	if err := m.NewTransactionID(); err != nil {
		panic(err)
	}
	return m
}

// NewTransactionID sets a cryptographically random transaction ID and
// writes it to Raw.
func (m *Message) NewTransactionID() error {
	_, err := rand.Read(m.TransactionID[:])
	if err == nil {
		m.WriteTransactionID()
	}
	return err
}

func (m *Message) String() string {
	tID := base64.StdEncoding.EncodeToString(m.TransactionID[:])
	return fmt.Sprintf("%s l=%d attrs=%d id=%s", m.Type, m.Length, len(m.Attributes), tID)
}

// Reset resets Message for reuse, retaining the Raw buffer.
func (m *Message) Reset() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.Attributes = m.Attributes[:0]
}

// grow ensures len(m.Raw) >= n.
func (m *Message) grow(n int) {
	if len(m.Raw) >= n {
		return
	}
	if cap(m.Raw) >= n {
		m.Raw = m.Raw[:n]
		return
	}
	m.Raw = append(m.Raw, make([]byte, n-len(m.Raw))...)
}

// Add appends a new attribute to the message, padding the value to a
// four byte boundary and updating the header length field.
func (m *Message) Add(t AttrType, v []byte) {
	allocSize := attrHeaderSize + len(v)
	first := MessageHeaderSize + int(m.Length)
	last := first + allocSize
	m.grow(last)
	m.Length += uint32(allocSize)
	buf := m.Raw[first:last]
	bin.PutUint16(buf[0:2], t.Value())
	bin.PutUint16(buf[2:4], uint16(len(v)))
	copy(buf[attrHeaderSize:], v)
	if withPadding := nearestPadded(len(v)); withPadding > len(v) {
		toAdd := withPadding - len(v)
		last += toAdd
		m.grow(last)
		buf = m.Raw[last-toAdd : last]
		for i := range buf {
			buf[i] = 0
		}
		m.Length += uint32(toAdd)
	}
	m.Attributes = append(m.Attributes, RawAttribute{
		Type:   t,
		Length: uint16(len(v)),
		Value:  m.Raw[first+attrHeaderSize : first+attrHeaderSize+len(v)],
		Offset: first,
	})
	m.WriteLength()
}

// WriteLength writes the current length into the header.
func (m *Message) WriteLength() {
	m.grow(4)
	bin.PutUint16(m.Raw[2:4], uint16(m.Length))
}

// WriteType writes the message type into the header.
func (m *Message) WriteType() {
	m.grow(2)
	bin.PutUint16(m.Raw[0:2], m.Type.Value())
}

// WriteTransactionID writes the transaction ID into the header.
func (m *Message) WriteTransactionID() {
	m.grow(MessageHeaderSize)
	copy(m.Raw[8:MessageHeaderSize], m.TransactionID[:])
}

// WriteHeader writes the whole header to Raw.
func (m *Message) WriteHeader() {
	m.grow(MessageHeaderSize)
	m.WriteType()
	m.WriteLength()
	bin.PutUint32(m.Raw[4:8], MagicCookie)
	copy(m.Raw[8:MessageHeaderSize], m.TransactionID[:])
}

// SetType sets the message type and writes it to Raw.
func (m *Message) SetType(t MessageType) {
	m.Type = t
	m.WriteType()
}

// Decode decodes Raw into the message fields, leaving attribute values
// as views into Raw.
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < MessageHeaderSize {
		return errors.Wrap(ErrInvalidInput, "message truncated")
	}
	t := bin.Uint16(buf[0:2])
	if t&0xC000 != 0 {
		return errors.Wrap(ErrInvalidInput, "first two bits not zero")
	}
	if bin.Uint32(buf[4:8]) != MagicCookie {
		return ErrNotFoundMagicNumber
	}
	size := int(bin.Uint16(buf[2:4]))
	if size%padding != 0 {
		return errors.Wrap(ErrInvalidInput, "length not padded")
	}
	if MessageHeaderSize+size > len(buf) {
		return errors.Wrap(ErrInvalidInput, "attributes overflow buffer")
	}
	m.Type.ReadValue(t)
	if !m.Type.Method.known() {
		return errors.Wrapf(ErrUnknownMethod, "method 0x%x", uint16(m.Type.Method))
	}
	m.Length = uint32(size)
	copy(m.TransactionID[:], buf[8:MessageHeaderSize])
	m.Attributes = m.Attributes[:0]
	var (
		offset = MessageHeaderSize
		end    = MessageHeaderSize + size
	)
	for offset < end {
		if end-offset < attrHeaderSize {
			return errors.Wrap(ErrInvalidInput, "attribute header truncated")
		}
		a := RawAttribute{
			Type:   attrType(bin.Uint16(buf[offset : offset+2])),
			Length: bin.Uint16(buf[offset+2 : offset+4]),
			Offset: offset,
		}
		aLen := int(a.Length)
		if offset+attrHeaderSize+aLen > end {
			return errors.Wrap(ErrInvalidInput, "attribute value overflow")
		}
		a.Value = buf[offset+attrHeaderSize : offset+attrHeaderSize+aLen]
		m.Attributes = append(m.Attributes, a)
		offset += attrHeaderSize + nearestPadded(aLen)
	}
	return nil
}

// Write decodes the message from b, copying it into Raw first.
func (m *Message) Write(b []byte) (int, error) {
	m.Raw = append(m.Raw[:0], b...)
	if err := m.Decode(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Get returns the value of the first attribute of type t as a view into
// Raw, or ErrAttributeNotFound.
func (m *Message) Get(t AttrType) ([]byte, error) {
	v, ok := m.Attributes.Get(t)
	if !ok {
		return nil, errors.Wrapf(ErrAttributeNotFound, "%s", t)
	}
	return v.Value, nil
}

// Contains reports whether the message has an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Attributes.Get(t)
	return ok
}

// Setter writes itself to a message.
type Setter interface {
	AddTo(m *Message) error
}

// Getter reads itself from a message.
type Getter interface {
	GetFrom(m *Message) error
}

// TransactionID is a Setter that sets a fresh random transaction ID.
var TransactionID Setter = transactionIDSetter{}

type transactionIDSetter struct{}

func (transactionIDSetter) AddTo(m *Message) error {
	return m.NewTransactionID()
}

// AddTo copies the transaction ID to another message. Used for
// building responses.
func (m *Message) AddTo(b *Message) error {
	b.TransactionID = m.TransactionID
	b.WriteTransactionID()
	return nil
}

// AddTo makes MessageType usable as a Setter.
func (t MessageType) AddTo(m *Message) error {
	m.SetType(t)
	return nil
}

// Build resets the message, writes the header and applies setters in
// order.
func (m *Message) Build(setters ...Setter) error {
	m.Reset()
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	return nil
}

// MustBuild panics on Build error. Test helper.
func MustBuild(setters ...Setter) *Message {
	m := New()
	if err := m.Build(setters...); err != nil {
		panic(err)
	}
	return m
}
