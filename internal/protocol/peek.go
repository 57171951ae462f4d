package protocol

import (
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Header 路由所需字段，中继只读这些字段而不反序列化整个信封
type Header struct {
	ID          uuid.UUID
	Type        MessageType
	Sender      string
	Target      string
	Action      Action
	OriginalID  string
	ContentType ContentType
}

var peekPaths = []string{
	"id",
	"type",
	"payload.device_id",
	"payload.target",
	"payload.action",
	"payload.original_id",
	"payload.content_type",
}

// Peek 校验帧并读取路由头；剪贴板消息额外校验加密块
func Peek(frame []byte) (Header, error) {
	body, err := Unframe(frame)
	if err != nil {
		return Header{}, err
	}
	return PeekBody(body)
}

func PeekBody(body []byte) (Header, error) {
	if !gjson.ValidBytes(body) {
		return Header{}, malformed("invalid json")
	}
	r := gjson.GetManyBytes(body, peekPaths...)
	id, err := uuid.Parse(r[0].String())
	if err != nil {
		return Header{}, malformed("bad id %q", r[0].String())
	}
	h := Header{
		ID:          id,
		Type:        MessageType(r[1].String()),
		Sender:      r[2].String(),
		Target:      r[3].String(),
		Action:      Action(r[4].String()),
		OriginalID:  r[5].String(),
		ContentType: ContentType(r[6].String()),
	}
	if h.Sender == "" {
		return Header{}, malformed("missing payload.device_id")
	}
	switch h.Type {
	case MsgClipboard:
		if !h.ContentType.Valid() {
			return Header{}, malformed("unknown content_type %q", h.ContentType)
		}
		if err := peekEncryption(gjson.GetBytes(body, "payload.encryption")); err != nil {
			return Header{}, err
		}
	case MsgControl:
		if h.Action == "" {
			return Header{}, malformed("control message without action")
		}
	default:
		return Header{}, malformed("unknown type %q", h.Type)
	}
	return h, nil
}

func peekEncryption(enc gjson.Result) error {
	if !enc.IsObject() {
		return malformed("missing encryption block")
	}
	e := &Encryption{Algorithm: enc.Get("algorithm").String()}
	var err error
	if e.Nonce, err = peekBytes(enc.Get("nonce")); err != nil {
		return malformed("bad nonce encoding")
	}
	if e.Tag, err = peekBytes(enc.Get("tag")); err != nil {
		return malformed("bad tag encoding")
	}
	return e.validate()
}

// []byte 字段在 JSON 中为标准 base64 字符串
func peekBytes(r gjson.Result) ([]byte, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.String())
}
