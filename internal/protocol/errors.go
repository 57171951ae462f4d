package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// 线上错误码，随 control/error 消息回送给发送方
const (
	CodeDeviceNotConnected = "device_not_connected"
	CodeDeviceBusy         = "device_busy"
	CodeInvalidMessage     = "invalid_message"
	CodeRateLimited        = "rate_limited"
	CodeSenderMismatch     = "sender_mismatch"
)

// Error 携带线上错误码的错误
type Error struct {
	Code    string
	Msg     string
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (context: %s)", e.Code, e.Msg, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func NewError(code, msg, context string) *Error {
	return &Error{Code: code, Msg: msg, Context: context}
}

// ControlError 从 control/error 信封中提取错误；非错误信封返回 nil
func ControlError(e *Envelope) *Error {
	if !e.IsControl(ActionError) {
		return nil
	}
	return &Error{Code: e.Payload.Code, Msg: e.Payload.Message, Context: e.Payload.Target}
}
