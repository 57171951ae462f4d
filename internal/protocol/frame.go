package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MaxPayloadSize 单帧 JSON 主体上限，超出时拒绝而不是截断
const MaxPayloadSize = 256 * 1024

const headerSize = 4

// Encode 序列化为 4 字节大端长度前缀 + JSON 主体
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, malformed("nil envelope")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(body), MaxPayloadSize)
	}
	return Frame(body), nil
}

// Frame 为已序列化的 JSON 主体加上长度前缀（旧版文本帧走这里包装）
func Frame(body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}

// Unframe 校验长度前缀并返回 JSON 主体切片（与 frame 共享底层数组）
func Unframe(frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, malformed("short frame: %d bytes", len(frame))
	}
	n := binary.BigEndian.Uint32(frame[:headerSize])
	if n > MaxPayloadSize {
		return nil, malformed("declared length %d exceeds %d", n, MaxPayloadSize)
	}
	if uint64(len(frame)-headerSize) < uint64(n) {
		return nil, malformed("declared length %d, have %d", n, len(frame)-headerSize)
	}
	return frame[headerSize : headerSize+int(n)], nil
}

// Decode 解析一帧并做结构校验；任意输入都只会返回错误，不会 panic
func Decode(frame []byte) (*Envelope, error) {
	body, err := Unframe(frame)
	if err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

// DecodeBody 解析不带长度前缀的 JSON 主体
func DecodeBody(body []byte) (*Envelope, error) {
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(body), MaxPayloadSize)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, malformed("%v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
