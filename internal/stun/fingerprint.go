package stun

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// fingerprintXORValue is the XOR mask for FINGERPRINT ("STUN").
const fingerprintXORValue uint32 = 0x5354554E

const fingerprintSize = 4

// FingerprintAttr implements the FINGERPRINT attribute: CRC-32 of the
// message up to this attribute, XORed with 0x5354554E.
type FingerprintAttr struct{}

// Fingerprint is the FingerprintAttr instance used as Setter.
var Fingerprint FingerprintAttr

// AddTo implements Setter.
func (FingerprintAttr) AddTo(m *Message) error {
	prevLength := m.Length
	m.Length += attrHeaderSize + fingerprintSize
	m.WriteLength()
	v := crc32.ChecksumIEEE(m.Raw) ^ fingerprintXORValue
	m.Length = prevLength
	b := make([]byte, fingerprintSize)
	bin.PutUint32(b, v)
	m.Add(AttrFingerprint, b)
	return nil
}

// Check verifies the FINGERPRINT attribute if present.
func (FingerprintAttr) Check(m *Message) error {
	raw, ok := m.Attributes.Get(AttrFingerprint)
	if !ok {
		return errors.Wrap(ErrAttributeNotFound, "FINGERPRINT")
	}
	if len(raw.Value) != fingerprintSize {
		return errors.Wrap(ErrInvalidInput, "bad FINGERPRINT length")
	}
	b := make([]byte, raw.Offset)
	copy(b, m.Raw[:raw.Offset])
	covered := raw.Offset - MessageHeaderSize + attrHeaderSize + fingerprintSize
	bin.PutUint16(b[2:4], uint16(covered))
	if crc32.ChecksumIEEE(b)^fingerprintXORValue != bin.Uint32(raw.Value) {
		return errors.Wrap(ErrSummaryFailed, "fingerprint mismatch")
	}
	return nil
}
