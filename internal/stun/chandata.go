package stun

import (
	"github.com/pkg/errors"
)

// ChannelData is a ChannelData frame per RFC 8656 section 12.
//
// Over UDP the frame is exactly header plus payload; over TCP the
// sender pads the stream to a four byte boundary after the payload.
// Padding is a transport framing concern: Encode never emits it, and
// MessageSize accounts for it when tcp is true.
type ChannelData struct {
	Number ChannelNumber
	Data   []byte // view into Raw after Decode
	Raw    []byte
	Length int // payload length
}

// Reset resets the frame for reuse, retaining Raw.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Data = nil
	c.Length = 0
	c.Number = 0
}

// Encode writes the frame into Raw.
func (c *ChannelData) Encode() {
	c.Raw = c.Raw[:0]
	c.Length = len(c.Data)
	var header [ChannelDataHeaderSize]byte
	bin.PutUint16(header[0:2], uint16(c.Number))
	bin.PutUint16(header[2:4], uint16(len(c.Data)))
	c.Raw = append(c.Raw, header[:]...)
	c.Raw = append(c.Raw, c.Data...)
}

// Decode parses Raw, leaving Data as a view into it.
func (c *ChannelData) Decode() error {
	if len(c.Raw) < ChannelDataHeaderSize {
		return errors.Wrap(ErrInvalidInput, "channel data truncated")
	}
	number := ChannelNumber(bin.Uint16(c.Raw[0:2]))
	if !number.Valid() {
		return errors.Wrapf(ErrInvalidInput, "channel number %s out of range", number)
	}
	length := int(bin.Uint16(c.Raw[2:4]))
	if ChannelDataHeaderSize+length > len(c.Raw) {
		return errors.Wrap(ErrInvalidInput, "channel data payload overflow")
	}
	c.Number = number
	c.Length = length
	c.Data = c.Raw[ChannelDataHeaderSize : ChannelDataHeaderSize+length]
	return nil
}
