package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/supervisor"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

const viewBuffer = 64

// ErrCloudDisabled 未配置中继地址
var ErrCloudDisabled = errors.New("agent: cloud relay not configured")

// cloudLink 中继连接的最小接口，*transport.Conn 即满足
type cloudLink interface {
	Send(frame []byte) error
	Events() <-chan transport.Event
	Close() error
}

// cloudMux 中继按设备 ID 只允许一个会话，所以每个对端的 supervisor 共享同一条云端连接。
// 入站帧按发送方分发；路由错误按 Target 分发；心跳应答按 OriginalID 找回发出心跳的视图。
// 没有对应视图的剪贴板帧交给 unrouted。
type cloudMux struct {
	dial     func(ctx context.Context) (cloudLink, error)
	unrouted func(env *protocol.Envelope)
	notify   func() // 连接建立或断开后调用，可为 nil
	log      *zap.SugaredLogger

	dialMu sync.Mutex // 串行化拨号

	mu    sync.Mutex
	link  cloudLink
	done  chan struct{} // 当前连接的 pump 退出时关闭
	views map[string]*cloudView
	acks  map[string]*cloudView
}

func newCloudMux(dial func(ctx context.Context) (cloudLink, error), unrouted func(env *protocol.Envelope)) *cloudMux {
	return &cloudMux{
		dial:     dial,
		unrouted: unrouted,
		log:      logger.S("cloud"),
		views:    make(map[string]*cloudView),
		acks:     make(map[string]*cloudView),
	}
}

// ensure 返回当前连接，没有时拨号
func (m *cloudMux) ensure(ctx context.Context) (cloudLink, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link != nil {
		return link, nil
	}
	link, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	m.mu.Lock()
	m.link, m.done = link, done
	m.mu.Unlock()
	go m.pump(link, done)
	m.log.Infow("cloud_connected")
	m.changed()
	return link, nil
}

func (m *cloudMux) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

func (m *cloudMux) changed() {
	if m.notify != nil {
		m.notify()
	}
}

// open 为对端创建一个链路视图，同一对端的旧视图被关闭
func (m *cloudMux) open(ctx context.Context, peer string) (supervisor.Link, error) {
	link, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	v := &cloudView{mux: m, link: link, peer: peer, events: make(chan transport.Event, viewBuffer)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != link {
		// 拨号后连接已断开
		return nil, transport.ErrClosed
	}
	if old, ok := m.views[peer]; ok {
		old.closeLocked()
	}
	m.views[peer] = v
	v.events <- transport.Event{Kind: transport.EventOpened}
	return v, nil
}

func (m *cloudMux) pump(link cloudLink, done chan struct{}) {
	defer close(done)
	var term transport.Event
	for ev := range link.Events() {
		switch ev.Kind {
		case transport.EventFrame:
			m.dispatch(ev)
		case transport.EventClosed, transport.EventFailed:
			term = ev
		}
	}
	if term.Kind != transport.EventFailed {
		term = transport.Event{Kind: transport.EventClosed}
	}
	m.mu.Lock()
	if m.link == link {
		m.link, m.done = nil, nil
	}
	for peer, v := range m.views {
		if v.link != link {
			continue
		}
		v.deliverLocked(term)
		v.closeLocked()
		delete(m.views, peer)
	}
	for id, v := range m.acks {
		if v.link == link {
			delete(m.acks, id)
		}
	}
	m.mu.Unlock()
	m.log.Infow("cloud_disconnected", "event", term.Kind.String(), "err", term.Err)
	m.changed()
}

func (m *cloudMux) dispatch(ev transport.Event) {
	h, err := protocol.Peek(ev.Frame)
	if err != nil {
		m.log.Warnw("cloud_frame_malformed", "err", err)
		return
	}
	m.mu.Lock()
	var v *cloudView
	switch {
	case h.Type == protocol.MsgControl && h.Action == protocol.ActionHeartbeatAck:
		v = m.acks[h.OriginalID]
		delete(m.acks, h.OriginalID)
	case h.Type == protocol.MsgControl && h.Action == protocol.ActionError:
		v = m.views[h.Target]
	default:
		v = m.views[h.Sender]
	}
	if v != nil {
		v.deliverLocked(ev)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if h.Type != protocol.MsgClipboard || m.unrouted == nil {
		return
	}
	env, err := protocol.Decode(ev.Frame)
	if err != nil {
		return
	}
	m.unrouted(env)
}

// keepalive 保持云端在线以便接收没有 supervisor 的对端发来的内容
func (m *cloudMux) keepalive(ctx context.Context, b supervisor.Backoff) {
	attempt := 0
	for ctx.Err() == nil {
		if _, err := m.ensure(ctx); err != nil {
			attempt++
			m.log.Warnw("cloud_connect_failed", "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Delay(attempt)):
			}
			continue
		}
		attempt = 0
		m.mu.Lock()
		done := m.done
		m.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
		}
	}
}

func (m *cloudMux) close() {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

// cloudView 单个对端看到的云端链路
type cloudView struct {
	mux    *cloudMux
	link   cloudLink
	peer   string
	events chan transport.Event
	closed bool
}

func (v *cloudView) Events() <-chan transport.Event { return v.events }

func (v *cloudView) Send(frame []byte) error {
	h, err := protocol.Peek(frame)
	if err != nil {
		return err
	}
	v.mux.mu.Lock()
	if v.closed {
		v.mux.mu.Unlock()
		return transport.ErrClosed
	}
	if h.Type == protocol.MsgControl && h.Action == protocol.ActionHeartbeat {
		v.mux.acks[h.ID.String()] = v
	}
	v.mux.mu.Unlock()
	return v.link.Send(frame)
}

// Close 只关闭视图，共享连接保持
func (v *cloudView) Close() error {
	m := v.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.views[v.peer] == v {
		delete(m.views, v.peer)
	}
	v.closeLocked()
	return nil
}

func (v *cloudView) deliverLocked(ev transport.Event) {
	if v.closed {
		return
	}
	select {
	case v.events <- ev:
	default:
		v.mux.log.Warnw("cloud_view_overflow", "peer", v.peer)
	}
}

func (v *cloudView) closeLocked() {
	if v.closed {
		return
	}
	v.closed = true
	close(v.events)
	for id, owner := range v.mux.acks {
		if owner == v {
			delete(v.mux.acks, id)
		}
	}
}
