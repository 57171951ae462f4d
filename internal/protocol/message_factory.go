package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageFactory 以固定的发送方身份创建信封
type MessageFactory struct {
	version    string
	deviceID   string
	deviceName string
}

// NewMessageFactory 创建消息工厂
func NewMessageFactory(deviceID, deviceName string) *MessageFactory {
	return &MessageFactory{
		version:    Version,
		deviceID:   deviceID,
		deviceName: deviceName,
	}
}

func (f *MessageFactory) DeviceID() string { return f.deviceID }

func (f *MessageFactory) envelope(t MessageType, p Payload) *Envelope {
	p.DeviceID = f.deviceID
	if p.DeviceName == "" {
		p.DeviceName = f.deviceName
	}
	return &Envelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Version:   f.version,
		Type:      t,
		Payload:   p,
	}
}

// CreateClipboard 创建剪贴板消息；nonce/tag 为空时即明文路径
func (f *MessageFactory) CreateClipboard(target string, ct ContentType, ciphertext, nonce, tag []byte) *Envelope {
	return f.envelope(MsgClipboard, Payload{
		ContentType: ct,
		Ciphertext:  ciphertext,
		Target:      target,
		Encryption: &Encryption{
			Algorithm: Algorithm,
			Nonce:     nonce,
			Tag:       tag,
		},
	})
}

// CreateHeartbeat 创建心跳，对端以 heartbeat_ack 回应，OriginalID 指向本消息
func (f *MessageFactory) CreateHeartbeat() *Envelope {
	return f.envelope(MsgControl, Payload{Action: ActionHeartbeat})
}

func (f *MessageFactory) CreateHeartbeatAck(original uuid.UUID) *Envelope {
	return f.envelope(MsgControl, Payload{Action: ActionHeartbeatAck, OriginalID: original.String()})
}

// CreateRegisterKey 向中继登记本设备的对称密钥
func (f *MessageFactory) CreateRegisterKey(key []byte) *Envelope {
	return f.envelope(MsgControl, Payload{Action: ActionRegisterKey, SymmetricKey: key})
}

func (f *MessageFactory) CreateDeregisterKey() *Envelope {
	return f.envelope(MsgControl, Payload{Action: ActionDeregisterKey})
}

// CreateRoutingError 创建回送给发送方的路由失败通知，Target 为投递失败的目标设备
func (f *MessageFactory) CreateRoutingError(target, originalID, code, msg string) *Envelope {
	return f.envelope(MsgControl, Payload{
		Action:     ActionError,
		Code:       code,
		Message:    msg,
		Target:     target,
		OriginalID: originalID,
	})
}
