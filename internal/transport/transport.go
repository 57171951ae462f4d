// Package transport 单条 WebSocket 物理连接（LAN 或云端），客户端 Dial，服务端 Accept。
//
// 连接状态通过 Events() 事件队列对外暴露，代替回调：先有且仅有一个 Opened，
// 之后若干 Frame，最后以 Closed 或 Failed 结束并关闭通道。
package transport

// Kind 连接所走的链路
type Kind string

const (
	LAN   Kind = "lan"
	Cloud Kind = "cloud"
)

func (k Kind) String() string { return string(k) }

// EventKind 连接事件类型
type EventKind int

const (
	EventOpened EventKind = iota
	EventFrame
	EventClosed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventFrame:
		return "frame"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event Frame 为带长度前缀的完整帧；Legacy 表示由旧版文本消息包装而来
type Event struct {
	Kind   EventKind
	Frame  []byte
	Legacy bool
	Err    error
}
