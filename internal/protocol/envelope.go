package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Version 当前线上协议版本
const Version = "1.0"

// Algorithm 唯一支持的加密算法
const Algorithm = "AES-256-GCM"

const (
	NonceSize = 12
	TagSize   = 16
)

// MessageType 信封类型
type MessageType string

const (
	MsgClipboard MessageType = "clipboard"
	MsgControl   MessageType = "control"
)

// ContentType 剪贴板内容类型
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentLink, ContentImage, ContentFile:
		return true
	}
	return false
}

// Action 控制消息动作
type Action string

const (
	ActionRegisterKey   Action = "register_key"
	ActionDeregisterKey Action = "deregister_key"
	ActionHeartbeat     Action = "heartbeat"
	ActionHeartbeatAck  Action = "heartbeat_ack"
	ActionError         Action = "error"
)

// Envelope 线上传输的最外层结构，构造后不再修改
type Envelope struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
	Type      MessageType `json:"type"`
	Payload   Payload     `json:"payload"`
}

// Payload 剪贴板消息携带密文与加密参数；控制消息使用 Action 及其附加字段
type Payload struct {
	ContentType ContentType `json:"content_type,omitempty"`
	Ciphertext  []byte      `json:"ciphertext"`
	DeviceID    string      `json:"device_id"`
	DeviceName  string      `json:"device_name,omitempty"`
	Target      string      `json:"target,omitempty"`
	Encryption  *Encryption `json:"encryption,omitempty"`

	// ---- 控制消息 ----
	Action       Action `json:"action,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	OriginalID   string `json:"original_id,omitempty"`
	SymmetricKey []byte `json:"symmetric_key,omitempty"`
}

// Encryption nonce 与 tag 同时为空表示明文（旧版客户端路径）
type Encryption struct {
	Algorithm string `json:"algorithm"`
	Nonce     []byte `json:"nonce"`
	Tag       []byte `json:"tag"`
}

func (e *Encryption) Plaintext() bool {
	return e == nil || (len(e.Nonce) == 0 && len(e.Tag) == 0)
}

// ClipboardPayload 解密后的明文结构
type ClipboardPayload struct {
	ContentType ContentType       `json:"content_type"`
	Data        []byte            `json:"data_base64"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate 校验信封结构，不涉及密码学
func (e *Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return malformed("missing id")
	}
	if e.Version == "" {
		return malformed("missing version")
	}
	if e.Timestamp.IsZero() {
		return malformed("missing timestamp")
	}
	if e.Payload.DeviceID == "" {
		return malformed("missing payload.device_id")
	}
	switch e.Type {
	case MsgClipboard:
		if !e.Payload.ContentType.Valid() {
			return malformed("unknown content_type %q", e.Payload.ContentType)
		}
		if e.Payload.Encryption == nil {
			return malformed("missing encryption block")
		}
		return e.Payload.Encryption.validate()
	case MsgControl:
		if e.Payload.Action == "" {
			return malformed("control message without action")
		}
		return nil
	default:
		return malformed("unknown type %q", e.Type)
	}
}

func (e *Encryption) validate() error {
	if e.Plaintext() {
		return nil
	}
	if e.Algorithm != Algorithm {
		return malformed("unsupported algorithm %q", e.Algorithm)
	}
	if len(e.Nonce) == 0 || len(e.Tag) == 0 {
		return malformed("nonce and tag must be both present or both empty")
	}
	if len(e.Nonce) != NonceSize {
		return malformed("nonce must be %d bytes, got %d", NonceSize, len(e.Nonce))
	}
	if len(e.Tag) != TagSize {
		return malformed("tag must be %d bytes, got %d", TagSize, len(e.Tag))
	}
	return nil
}

// Addressed 是否带有明确的目标设备
func (e *Envelope) Addressed() bool { return e.Payload.Target != "" }

func (e *Envelope) IsControl(a Action) bool {
	return e.Type == MsgControl && e.Payload.Action == a
}
