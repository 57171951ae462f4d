package supervisor

import (
	"fmt"

	"github.com/hongjun500/clipsync/internal/transport"
)

// Phase 连接状态机的阶段
type Phase int

const (
	Idle Phase = iota
	ConnectingLan
	ConnectedLan
	ConnectingCloud
	ConnectedCloud
	Failed
)

var phaseNames = [...]string{
	Idle:            "idle",
	ConnectingLan:   "connecting_lan",
	ConnectedLan:    "connected_lan",
	ConnectingCloud: "connecting_cloud",
	ConnectedCloud:  "connected_cloud",
	Failed:          "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// State 只读快照。Reason 描述最近一次失败（Failed，或链路断开后的 ConnectingLan），Terminal 表示已停止自动重试
type State struct {
	Phase    Phase
	Reason   string
	Terminal bool
}

func (s State) String() string {
	if s.Phase == Failed {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return s.Phase.String()
}

func (s State) Connected() bool {
	return s.Phase == ConnectedLan || s.Phase == ConnectedCloud
}

// Transport 已连接时所走的链路，未连接返回空
func (s State) Transport() transport.Kind {
	switch s.Phase {
	case ConnectedLan:
		return transport.LAN
	case ConnectedCloud:
		return transport.Cloud
	}
	return ""
}
