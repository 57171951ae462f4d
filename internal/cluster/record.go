package cluster

import (
	"errors"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrBadRecord = errors.New("cluster: bad record")

// Record 节点间转发的一帧。线上格式为 protobuf 兼容编码：
//
//	1: target  (bytes)
//	2: sender  (bytes)
//	3: frame   (bytes)
//	4: sent_at (varint, unix nanos)
//	5: id      (bytes, envelope id；目标节点投递失败时用于回报路由错误)
type Record struct {
	Target string
	Sender string
	Frame  []byte
	SentAt time.Time
	ID     string
}

const (
	fieldTarget protowire.Number = 1
	fieldSender protowire.Number = 2
	fieldFrame  protowire.Number = 3
	fieldSentAt protowire.Number = 4
	fieldID     protowire.Number = 5
)

func (r *Record) Marshal() []byte {
	b := make([]byte, 0, len(r.Frame)+len(r.Target)+len(r.Sender)+len(r.ID)+32)
	b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
	b = protowire.AppendString(b, r.Target)
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, r.Sender)
	b = protowire.AppendTag(b, fieldFrame, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Frame)
	if !r.SentAt.IsZero() {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.SentAt.UnixNano()))
	}
	if r.ID != "" {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, r.ID)
	}
	return b
}

// Unmarshal 未知字段被跳过
func (r *Record) Unmarshal(b []byte) error {
	*r = Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrBadRecord
		}
		b = b[n:]
		switch {
		case num == fieldTarget && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrBadRecord
			}
			r.Target, b = v, b[n:]
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrBadRecord
			}
			r.Sender, b = v, b[n:]
		case num == fieldFrame && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrBadRecord
			}
			r.Frame, b = append([]byte(nil), v...), b[n:]
		case num == fieldSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrBadRecord
			}
			r.SentAt, b = time.Unix(0, int64(v)), b[n:]
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ErrBadRecord
			}
			r.ID, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrBadRecord
			}
			b = b[n:]
		}
	}
	if r.Target == "" || len(r.Frame) == 0 {
		return ErrBadRecord
	}
	return nil
}
