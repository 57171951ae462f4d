package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/pkg/logger"
)

const (
	eventBuffer = 64
	// closeFlush 本地关闭时等待已入队帧写出的上限
	closeFlush = time.Second
)

// Conn 一条 WebSocket 连接。Send 只入队，真正写出由写协程按入队顺序完成
type Conn struct {
	id   string
	kind Kind
	peer Identity
	ws   *websocket.Conn
	opt  Options
	log  *zap.SugaredLogger

	out    chan []byte
	unsent atomic.Int64 // 已入队未写完的帧
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
	local     atomic.Bool

	failMu  sync.Mutex
	failErr error

	lastActivity atomic.Int64
}

func newConn(ws *websocket.Conn, kind Kind, peer Identity, opt Options) *Conn {
	opt = opt.withDefaults()
	c := &Conn{
		id:     uuid.NewString(),
		kind:   kind,
		peer:   peer,
		ws:     ws,
		opt:    opt,
		out:    make(chan []byte, opt.SendBuffer),
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
	c.log = logger.S("transport").With("conn", c.id, "kind", kind, "peer", peer.DeviceID)
	c.touch()

	ws.SetReadLimit(opt.MaxFrameSize)
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.touch()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	c.events <- Event{Kind: EventOpened}
	go c.writeLoop()
	if opt.PingInterval > 0 {
		go c.pingLoop()
	}
	if opt.IdleTimeout > 0 {
		go c.watchdog()
	}
	go c.readLoop()
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Kind() Kind         { return c.kind }
func (c *Conn) Peer() Identity     { return c.peer }
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Events 连接事件队列，终止事件之后通道关闭
func (c *Conn) Events() <-chan Event { return c.events }

// Done 连接关闭（本地或远端）后可读
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// Send 帧入队；队列满时立即返回 ErrBackpressure，关闭后返回 ErrClosed
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.unsent.Add(1)
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		c.unsent.Add(-1)
		return ErrClosed
	default:
		c.unsent.Add(-1)
		return ErrBackpressure
	}
}

// Close 本地主动关闭，终止事件为 Closed。已入队的帧先写出，最多等待 closeFlush
func (c *Conn) Close() error {
	c.local.Store(true)
	c.flushOut(closeFlush)
	return c.shutdown(websocket.CloseNormalClosure, "")
}

func (c *Conn) flushOut(limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for c.unsent.Load() > 0 {
		select {
		case <-c.closed:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (c *Conn) shutdown(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// fail 记录第一个失败原因并关闭连接
func (c *Conn) fail(err error) {
	c.failMu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.failMu.Unlock()
	_ = c.shutdown(websocket.CloseGoingAway, "")
}

func (c *Conn) failure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failErr
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if c.opt.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
			}
			err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
			c.unsent.Add(-1)
			if err != nil {
				c.log.Warnw("ws_write_error", "err", err)
				c.fail(fmt.Errorf("%w: %v", ErrSend, err))
				return
			}
			c.touch()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) watchdog() {
	interval := c.opt.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if idle := time.Since(c.LastActivity()); idle > c.opt.IdleTimeout {
				c.log.Infow("idle_timeout", "idle", idle)
				c.fail(ErrIdleTimeout)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	var readErr error
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.touch()
		ev := Event{Kind: EventFrame}
		switch mt {
		case websocket.BinaryMessage:
			ev.Frame = data
		case websocket.TextMessage:
			ev.Frame, ev.Legacy = protocol.Frame(data), true
		default:
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
		}
	}
	c.finish(readErr)
}

func (c *Conn) finish(readErr error) {
	_ = c.shutdown(websocket.CloseNormalClosure, "")
	term := Event{Kind: EventClosed}
	switch {
	case c.failure() != nil:
		term = Event{Kind: EventFailed, Err: c.failure()}
	case c.local.Load():
	case readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		term = Event{Kind: EventFailed, Err: readErr}
	}
	select {
	case c.events <- term:
	default:
		c.log.Debugw("terminal_event_dropped", "event", term.Kind.String())
	}
	close(c.events)
	c.log.Debugw("connection_closed", "event", term.Kind.String(), "err", term.Err)
}

// DialConfig 客户端拨号参数
type DialConfig struct {
	URL              string
	Kind             Kind
	Identity         Identity
	Token            string // relay JWT, sent as Authorization: Bearer
	Fingerprint      string // pin LAN peer certificate (sha256 hex)
	ForceRegister    bool
	HandshakeTimeout time.Duration
	Options          Options
}

// Dial ctx 只约束握手阶段，返回的连接生命周期与 ctx 无关
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Fingerprint != "" {
		d.TLSClientConfig = pinnedTLS(cfg.Fingerprint)
	}
	h := cfg.Identity.Header()
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.ForceRegister {
		h.Set(HeaderForceRegister, "true")
	}
	ws, resp, err := d.DialContext(ctx, cfg.URL, h)
	if err != nil {
		he := &HandshakeError{URL: cfg.URL, Err: err}
		if resp != nil {
			he.Status = resp.StatusCode
		}
		return nil, he
	}
	peer := Identity{
		DeviceID: resp.Header.Get(HeaderDeviceID),
		Platform: resp.Header.Get(HeaderPlatform),
		Name:     resp.Header.Get(HeaderDeviceName),
	}
	return newConn(ws, cfg.Kind, peer, cfg.Options), nil
}

// Acceptor 服务端升级器，握手响应中回带本端身份
type Acceptor struct {
	upgrader websocket.Upgrader
	local    Identity
	opt      Options
}

func NewAcceptor(local Identity, opt Options) *Acceptor {
	return &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		local: local,
		opt:   opt,
	}
}

// Accept 升级失败时 Upgrader 已写回 HTTP 错误
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request, peer Identity, kind Kind) (*Conn, error) {
	ws, err := a.upgrader.Upgrade(w, r, a.local.Header())
	if err != nil {
		return nil, err
	}
	return newConn(ws, kind, peer, a.opt), nil
}
