package stun

import "fmt"

// Method is a STUN method as registered with IANA.
type Method uint16

// Methods recognized by the codec.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

var methodName = map[Method]string{
	MethodBinding:          "Binding",
	MethodAllocate:         "Allocate",
	MethodRefresh:          "Refresh",
	MethodSend:             "Send",
	MethodData:             "Data",
	MethodCreatePermission: "CreatePermission",
	MethodChannelBind:      "ChannelBind",
}

func (m Method) String() string {
	if s, ok := methodName[m]; ok {
		return s
	}
	return fmt.Sprintf("0x%x", uint16(m))
}

func (m Method) known() bool {
	_, ok := methodName[m]
	return ok
}

// MessageClass is one of the four STUN message classes.
type MessageClass byte

// Possible classes.
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

func (c MessageClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown"
	}
}

// MessageType is a (method, class) pair.
type MessageType struct {
	Method Method
	Class  MessageClass
}

// NewType returns MessageType for method and class.
func NewType(method Method, class MessageClass) MessageType {
	return MessageType{Method: method, Class: class}
}

// Common types.
var (
	BindingRequest          = NewType(MethodBinding, ClassRequest)
	BindingSuccess          = NewType(MethodBinding, ClassSuccessResponse)
	BindingError            = NewType(MethodBinding, ClassErrorResponse)
	AllocateRequest         = NewType(MethodAllocate, ClassRequest)
	AllocateSuccess         = NewType(MethodAllocate, ClassSuccessResponse)
	AllocateError           = NewType(MethodAllocate, ClassErrorResponse)
	RefreshRequest          = NewType(MethodRefresh, ClassRequest)
	RefreshSuccess          = NewType(MethodRefresh, ClassSuccessResponse)
	RefreshError            = NewType(MethodRefresh, ClassErrorResponse)
	CreatePermissionRequest = NewType(MethodCreatePermission, ClassRequest)
	CreatePermissionSuccess = NewType(MethodCreatePermission, ClassSuccessResponse)
	CreatePermissionError   = NewType(MethodCreatePermission, ClassErrorResponse)
	ChannelBindRequest      = NewType(MethodChannelBind, ClassRequest)
	ChannelBindSuccess      = NewType(MethodChannelBind, ClassSuccessResponse)
	ChannelBindError        = NewType(MethodChannelBind, ClassErrorResponse)
	SendIndication          = NewType(MethodSend, ClassIndication)
	DataIndication          = NewType(MethodData, ClassIndication)
)

const (
	methodABits = 0xf   // 0b0000000000001111
	methodBBits = 0x70  // 0b0000000001110000
	methodDBits = 0xf80 // 0b0000111110000000

	methodBShift = 1
	methodDShift = 2

	firstBit  = 0x1
	secondBit = 0x2

	c0Bit = firstBit
	c1Bit = secondBit

	classC0Shift = 4
	classC1Shift = 7
)

// Value encodes the type as the 14 significant bits of the message type
// field, with the class bits interleaved into the method per RFC 8489
// section 5.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	a := m & methodABits
	b := m & methodBBits
	d := m & methodDBits
	m = a + (b << methodBShift) + (d << methodDShift)
	c := uint16(t.Class)
	c0 := (c & c0Bit) << classC0Shift
	c1 := (c & c1Bit) << classC1Shift
	return m + c0 + c1
}

// ReadValue decodes the type from the wire representation.
func (t *MessageType) ReadValue(v uint16) {
	c0 := (v >> classC0Shift) & c0Bit
	c1 := (v >> classC1Shift) & c1Bit
	t.Class = MessageClass(c0 + c1)
	a := v & methodABits
	b := (v >> methodBShift) & methodBBits
	d := (v >> methodDShift) & methodDBits
	t.Method = Method(a + b + d)
}

func (t MessageType) String() string {
	return fmt.Sprintf("%s %s", t.Method, t.Class)
}
