package transport

import (
	"time"

	"github.com/hongjun500/clipsync/internal/protocol"
)

// Options 连接参数，LAN 与云端共用
type Options struct {
	SendBuffer   int           // outgoing queue size
	WriteTimeout time.Duration // per-write deadline; 0 to disable
	PingInterval time.Duration // websocket ping period; 0 to disable
	IdleTimeout  time.Duration // close after no activity; 0 to disable
	MaxFrameSize int64
}

// DefaultOptions 心跳与空闲超时的默认值
func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		MaxFrameSize: protocol.MaxPayloadSize + 4,
	}
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.MaxPayloadSize + 4
	}
	return o
}
