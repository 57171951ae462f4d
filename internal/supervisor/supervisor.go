// Package supervisor 驱动一条逻辑连接：先尝试 LAN，超时或失败后改走云端，
// 断开后按指数退避重连，并通过心跳检测链路存活。
//
// 所有连接状态只在运行协程中修改，对外暴露只读快照与订阅通道。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

var (
	ErrQueueFull      = errors.New("supervisor: send queue full")
	ErrRunning        = errors.New("supervisor: already running")
	ErrLanTimeout     = errors.New("supervisor: lan connect timed out")
	ErrNoRoute        = errors.New("supervisor: no address for transport")
	ErrHeartbeatAck   = errors.New("supervisor: heartbeat not acknowledged")
	errLinkClosed     = errors.New("supervisor: link closed")
	errReconnectAsked = errors.New("supervisor: reconnect requested")
)

// stopGrace flush 耗尽调用方 ctx 后等待运行协程退出的时间
const stopGrace = time.Second

// Link 一条已建立的物理连接，*transport.Conn 即满足
type Link interface {
	Send(frame []byte) error
	Events() <-chan transport.Event
	Close() error
}

// DialFunc 按链路类型建立连接，ctx 带有该次尝试的超时
type DialFunc func(ctx context.Context, kind transport.Kind) (Link, error)

// FlushFunc 停止前由调用方提供的收尾钩子
type FlushFunc func(ctx context.Context) error

// Inbound 从对端收到的非心跳信封
type Inbound struct {
	Envelope *protocol.Envelope
	Via      transport.Kind
}

type Config struct {
	PeerID            string
	LocalID           string
	Dial              DialFunc
	LanTimeout        time.Duration
	CloudTimeout      time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	Backoff           Backoff
	QueueSize         int
	RoundTripTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.LanTimeout <= 0 {
		c.LanTimeout = 3 * time.Second
	}
	if c.CloudTimeout <= 0 {
		c.CloudTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RoundTripTTL <= 0 {
		c.RoundTripTTL = time.Minute
	}
	return c
}

type outbound struct {
	id    uuid.UUID
	frame []byte
}

type Supervisor struct {
	cfg     Config
	log     *zap.SugaredLogger
	factory *protocol.MessageFactory

	queue     chan outbound
	inbound   chan Inbound
	retry     chan struct{}
	netChange chan struct{}
	queued    atomic.Int64

	mu            sync.Mutex
	state         State
	lastTransport transport.Kind
	subs          map[int]chan State
	nextSub       int

	// 以下字段只由运行协程访问
	carry   *outbound
	pending *roundTrips

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		log:       logger.S("supervisor").With("peer", cfg.PeerID),
		factory:   protocol.NewMessageFactory(cfg.LocalID, ""),
		queue:     make(chan outbound, cfg.QueueSize),
		inbound:   make(chan Inbound, 64),
		retry:     make(chan struct{}, 1),
		netChange: make(chan struct{}, 1),
		subs:      make(map[int]chan State),
		pending:   newRoundTrips(cfg.RoundTripTTL),
	}
}

func (s *Supervisor) PeerID() string { return s.cfg.PeerID }

// Start 启动运行协程，状态进入 ConnectingLan
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

// Stop 先执行 flush，再取消运行协程并清空标志与待确认记录
func (s *Supervisor) Stop(ctx context.Context, flush FlushFunc) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	var flushErr error
	if flush != nil {
		flushErr = flush(ctx)
	}
	cancel()
	wait := ctx
	if ctx.Err() != nil {
		// flush 用尽了 ctx；运行协程取消后很快退出，单独给一段宽限
		var cancelWait context.CancelFunc
		wait, cancelWait = context.WithTimeout(context.Background(), stopGrace)
		defer cancelWait()
	}
	select {
	case <-done:
	case <-wait.Done():
		return wait.Err()
	}

	s.runMu.Lock()
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	clearSignal(s.retry)
	clearSignal(s.netChange)
	if s.carry != nil {
		s.carry = nil
		s.queued.Add(-1)
	}
drain:
	for {
		select {
		case <-s.queue:
			s.queued.Add(-1)
		default:
			break drain
		}
	}
	s.setState(State{Phase: Idle})
	return flushErr
}

// Drain 等待发送队列清空，可直接作为 Stop 的 flush 钩子
func (s *Supervisor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.queued.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Send 编码并入队；超过帧上限时同步返回 ErrFrameTooLarge，队列满时返回 ErrQueueFull
func (s *Supervisor) Send(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case s.queue <- outbound{id: env.ID, frame: frame}:
		s.queued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Supervisor) Inbound() <-chan Inbound { return s.inbound }

// Reconnect 手动重试：打断退避等待并清零尝试次数，终止状态下也会恢复
func (s *Supervisor) Reconnect() { signal(s.retry) }

// NetworkChanged 网络变化时调用，效果同 Reconnect
func (s *Supervisor) NetworkChanged() { signal(s.netChange) }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTransport 最近一次成功建立连接所走的链路
func (s *Supervisor) LastTransport() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTransport
}

// Subscribe 订阅状态变化，慢订阅者会丢失中间状态
func (s *Supervisor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	if tk := st.Transport(); tk != "" {
		s.lastTransport = tk
	}
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.mu.Unlock()
	if prev != st {
		observe.IncTransition(st.Phase.String())
		s.log.Infow("state_changed", "from", prev.String(), "to", st.String())
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.pending.clear()
	attempts := 0
	for ctx.Err() == nil {
		link, kind, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warnw("connect_failed", "attempt", attempts+1, "err", err)
			if !s.retryAfter(ctx, &attempts, err, true) {
				break
			}
			continue
		}
		attempts = 0
		// 连接建立前积压的重试信号已无意义
		clearSignal(s.retry)
		clearSignal(s.netChange)
		reason := s.serve(ctx, link, kind)
		_ = link.Close()
		if ctx.Err() != nil {
			break
		}
		s.log.Infow("link_lost", "transport", kind, "reason", reason)
		if errors.Is(reason, errReconnectAsked) {
			continue
		}
		if !s.retryAfter(ctx, &attempts, reason, false) {
			break
		}
	}
	s.setState(State{Phase: Idle})
}

func (s *Supervisor) connect(ctx context.Context) (Link, transport.Kind, error) {
	s.setState(State{Phase: ConnectingLan})
	lanCtx, cancel := context.WithTimeout(ctx, s.cfg.LanTimeout)
	link, err := s.cfg.Dial(lanCtx, transport.LAN)
	if err == nil {
		cancel()
		s.setState(State{Phase: ConnectedLan})
		return link, transport.LAN, nil
	}
	if errors.Is(lanCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrLanTimeout, err)
	}
	cancel()
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	s.log.Debugw("lan_unavailable", "err", err)

	s.setState(State{Phase: ConnectingCloud})
	cloudCtx, cancel := context.WithTimeout(ctx, s.cfg.CloudTimeout)
	defer cancel()
	link, cerr := s.cfg.Dial(cloudCtx, transport.Cloud)
	if cerr != nil {
		return nil, "", fmt.Errorf("lan: %v; cloud: %w", err, cerr)
	}
	s.setState(State{Phase: ConnectedCloud})
	return link, transport.Cloud, nil
}

// retryAfter 记录一次失败并等待退避；返回 false 表示 ctx 已结束。
// 只有建连失败或尝试次数耗尽才进入 Failed，已建立的链路断开后在 ConnectingLan 中等待
func (s *Supervisor) retryAfter(ctx context.Context, attempts *int, reason error, dialFailed bool) bool {
	*attempts++
	observe.IncReconnect()
	b := s.cfg.Backoff
	if b.MaxAttempts > 0 && *attempts >= b.MaxAttempts {
		s.setState(State{Phase: Failed, Reason: "max reconnect attempts reached: " + reason.Error(), Terminal: true})
		select {
		case <-ctx.Done():
			return false
		case <-s.retry:
		case <-s.netChange:
		}
		*attempts = 0
		return true
	}

	if dialFailed {
		s.setState(State{Phase: Failed, Reason: reason.Error()})
	} else {
		s.setState(State{Phase: ConnectingLan, Reason: reason.Error()})
	}
	timer := time.NewTimer(b.Delay(*attempts))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-s.retry:
		*attempts = 0
	case <-s.netChange:
		*attempts = 0
	}
	return true
}

// serve 在一条连接上转发发送队列、分发入站帧并维持心跳，返回断开原因
func (s *Supervisor) serve(ctx context.Context, link Link, kind transport.Kind) error {
	if s.carry != nil {
		if err := s.write(link, *s.carry); err != nil {
			return err
		}
		s.carry = nil
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	var (
		awaiting uuid.UUID
		ackTimer *time.Timer
		ackC     <-chan time.Time
	)
	stopAck := func() {
		if ackTimer != nil {
			ackTimer.Stop()
		}
		awaiting, ackTimer, ackC = uuid.Nil, nil, nil
	}
	defer stopAck()

	events := link.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.retry:
			return errReconnectAsked
		case <-s.netChange:
			return errReconnectAsked
		case out := <-s.queue:
			if err := s.write(link, out); err != nil {
				s.carry = &out
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return errLinkClosed
			}
			switch ev.Kind {
			case transport.EventClosed:
				return errLinkClosed
			case transport.EventFailed:
				return fmt.Errorf("%w: %v", errLinkClosed, ev.Err)
			case transport.EventFrame:
				env, err := protocol.Decode(ev.Frame)
				if err != nil {
					observe.IncDropped("malformed")
					s.log.Warnw("inbound_malformed", "transport", kind, "err", err)
					continue
				}
				switch {
				case env.IsControl(protocol.ActionHeartbeatAck):
					if env.Payload.OriginalID == awaiting.String() {
						stopAck()
					}
					s.pending.ack(env.Payload.OriginalID)
				case env.IsControl(protocol.ActionHeartbeat):
					ack, _ := protocol.Encode(s.factory.CreateHeartbeatAck(env.ID))
					_ = link.Send(ack)
				default:
					select {
					case s.inbound <- Inbound{Envelope: env, Via: kind}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		case <-heartbeat.C:
			s.pending.prune()
			if ackC != nil {
				continue
			}
			hb := s.factory.CreateHeartbeat()
			frame, _ := protocol.Encode(hb)
			if err := link.Send(frame); err != nil {
				return fmt.Errorf("heartbeat send: %w", err)
			}
			s.pending.add(hb.ID.String())
			awaiting = hb.ID
			ackTimer = time.NewTimer(s.cfg.AckTimeout)
			ackC = ackTimer.C
		case <-ackC:
			observe.IncHeartbeatFailure()
			return ErrHeartbeatAck
		}
	}
}

func (s *Supervisor) write(link Link, out outbound) error {
	if err := link.Send(out.frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSend, err)
	}
	s.queued.Add(-1)
	s.pending.add(out.id.String())
	return nil
}

// PendingRoundTrips 当前等待确认的信封数量，仅用于观测
func (s *Supervisor) PendingRoundTrips() int { return s.pending.len() }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func clearSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
