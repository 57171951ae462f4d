// Package session 按设备 ID 登记会话并投递帧。
//
// 每次登记都会分配一个进程内单调递增的令牌，注销必须携带自己的令牌，
// 因此旧连接的延迟清理不会移除同一设备随后建立的新会话。
package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/pkg/logger"
)

var (
	ErrDeviceNotConnected = errors.New("session: device not connected")
	ErrAlreadyRegistered  = errors.New("session: device already registered")
	ErrSessionBusy        = errors.New("session: outbound queue full")
)

const DefaultBuffer = 256

var tokenSeq atomic.Uint64

func nextToken() uint64 { return tokenSeq.Add(1) }

// Registration 登记结果，Frames 在会话被替换或注销后关闭
type Registration struct {
	DeviceID string
	Token    uint64
	Frames   <-chan []byte
}

// DeviceInfo 已连接设备的只读视图
type DeviceInfo struct {
	DeviceID    string    `json:"device_id"`
	Token       uint64    `json:"token"`
	ConnectedAt time.Time `json:"connected_at"`
}

type entry struct {
	token uint64
	ch    chan []byte
	since time.Time
}

// Router 所有操作在同一把锁下互斥
type Router struct {
	mu       sync.Mutex
	sessions map[string]*entry
	buffer   int
	log      *zap.SugaredLogger
}

func NewRouter(buffer int) *Router {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{
		sessions: make(map[string]*entry),
		buffer:   buffer,
		log:      logger.S("session"),
	}
}

// Register 无条件登记，覆盖同 ID 的旧会话
func (r *Router) Register(deviceID string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(deviceID)
}

// RegisterIfAbsent 设备已在线时返回 ErrAlreadyRegistered
func (r *Router) RegisterIfAbsent(deviceID string) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[deviceID]; ok {
		return nil, ErrAlreadyRegistered
	}
	return r.registerLocked(deviceID), nil
}

func (r *Router) registerLocked(deviceID string) *Registration {
	e := &entry{
		token: nextToken(),
		ch:    make(chan []byte, r.buffer),
		since: time.Now(),
	}
	if old, ok := r.sessions[deviceID]; ok {
		// 路由器是唯一发送方，持锁关闭不会与 SendBinary 竞争
		close(old.ch)
		r.log.Infow("session_replaced", "device_id", deviceID, "old_token", old.token, "token", e.token)
	} else {
		observe.AddSessions(1)
	}
	r.sessions[deviceID] = e
	r.log.Infow("session_registered", "device_id", deviceID, "token", e.token)
	return &Registration{DeviceID: deviceID, Token: e.token, Frames: e.ch}
}

// UnregisterWithToken 仅当当前登记的令牌与 token 相同时移除
func (r *Router) UnregisterWithToken(deviceID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[deviceID]
	if !ok || e.token != token {
		current := uint64(0)
		if ok {
			current = e.token
		}
		observe.IncStaleUnregister()
		r.log.Infow("stale_unregister_skipped", "device_id", deviceID, "token", token, "current_token", current)
		return false
	}
	delete(r.sessions, deviceID)
	close(e.ch)
	observe.AddSessions(-1)
	r.log.Infow("session_unregistered", "device_id", deviceID, "token", token)
	return true
}

// SendBinary 按 ID 精确匹配投递，队列满时立即失败
func (r *Router) SendBinary(deviceID string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[deviceID]
	if !ok {
		observe.IncRouted("not_connected")
		return ErrDeviceNotConnected
	}
	select {
	case e.ch <- frame:
		observe.IncRouted("delivered")
		return nil
	default:
		observe.IncRouted("busy")
		return ErrSessionBusy
	}
}

// BroadcastExcept 投递给除 senderID 外的所有会话，返回成功入队的数量
func (r *Router) BroadcastExcept(senderID string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.sessions {
		if id == senderID {
			continue
		}
		select {
		case e.ch <- frame:
			n++
		default:
			r.log.Warnw("broadcast_dropped", "device_id", id, "sender", senderID)
		}
	}
	observe.IncRouted("broadcast")
	return n
}

func (r *Router) IsRegistered(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[deviceID]
	return ok
}

func (r *Router) Token(deviceID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[deviceID]
	if !ok {
		return 0, false
	}
	return e.token, true
}

// ConnectedDevices 按设备 ID 排序
func (r *Router) ConnectedDevices() []DeviceInfo {
	r.mu.Lock()
	out := make([]DeviceInfo, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, DeviceInfo{DeviceID: id, Token: e.token, ConnectedAt: e.since})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
