package stun

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the ERROR-CODE attribute: class (3..6), number (0..99)
// and a UTF-8 reason phrase.
type ErrorCode int

// Error codes used by the server.
const (
	CodeTryAlternate        ErrorCode = 300
	CodeBadRequest          ErrorCode = 400
	CodeUnauthorized        ErrorCode = 401
	CodeForbidden           ErrorCode = 403
	CodeUnknownAttribute    ErrorCode = 420
	CodeStaleNonce          ErrorCode = 438
	CodeAllocMismatch       ErrorCode = 437
	CodeUnsupportedTransProto ErrorCode = 442
	CodeInsufficientCapacity  ErrorCode = 508
	CodeServerError           ErrorCode = 500
)

var codeReason = map[ErrorCode]string{
	CodeTryAlternate:          "Try Alternate",
	CodeBadRequest:            "Bad Request",
	CodeUnauthorized:          "Unauthorized",
	CodeForbidden:             "Forbidden",
	CodeUnknownAttribute:      "Unknown Attribute",
	CodeAllocMismatch:         "Allocation Mismatch",
	CodeStaleNonce:            "Stale Nonce",
	CodeUnsupportedTransProto: "Unsupported Transport Protocol",
	CodeServerError:           "Server Error",
	CodeInsufficientCapacity:  "Insufficient Capacity",
}

// Reason returns the default reason phrase for the code.
func (c ErrorCode) Reason() string {
	if r, ok := codeReason[c]; ok {
		return r
	}
	return "Error"
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%d %s", int(c), c.Reason())
}

// AddTo implements Setter, writing the code with its default reason.
func (c ErrorCode) AddTo(m *Message) error {
	return ErrorCodeAttribute{Code: c, Reason: []byte(c.Reason())}.AddTo(m)
}

// ErrorCodeAttribute is the decoded ERROR-CODE value.
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason []byte
}

func (a ErrorCodeAttribute) String() string {
	return fmt.Sprintf("%d %s", int(a.Code), a.Reason)
}

const errorCodeHeaderSize = 4

// AddTo implements Setter.
func (a ErrorCodeAttribute) AddTo(m *Message) error {
	v := make([]byte, errorCodeHeaderSize+len(a.Reason))
	number := byte(int(a.Code) % 100)
	class := byte(int(a.Code) / 100)
	v[2] = class
	v[3] = number
	copy(v[errorCodeHeaderSize:], a.Reason)
	m.Add(AttrErrorCode, v)
	return nil
}

// GetFrom implements Getter.
func (a *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < errorCodeHeaderSize {
		return errors.Wrap(ErrInvalidInput, "ERROR-CODE truncated")
	}
	var (
		class  = int(v[2])
		number = int(v[3])
	)
	if class < 3 || class > 6 || number > 99 {
		return errors.Wrap(ErrInvalidInput, "ERROR-CODE out of range")
	}
	a.Code = ErrorCode(class*100 + number)
	a.Reason = v[errorCodeHeaderSize:]
	return nil
}
