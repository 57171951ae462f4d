package transport

import (
	"errors"
	"fmt"
)

// 传输层错误定义
var (
	ErrClosed              = errors.New("transport: connection closed")
	ErrBackpressure        = errors.New("transport: send queue full")
	ErrIdleTimeout         = errors.New("transport: idle timeout")
	ErrSend                = errors.New("transport: send failed")
	ErrHandshake           = errors.New("transport: handshake failed")
	ErrMissingIdentity     = errors.New("transport: missing device identity headers")
	ErrFingerprintMismatch = errors.New("transport: certificate fingerprint mismatch")
)

// HandshakeError 握手失败，Status 为服务端返回的 HTTP 状态码（无响应时为 0）
type HandshakeError struct {
	URL    string
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: handshake %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: handshake %s: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }
