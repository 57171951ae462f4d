package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hongjun500/clipsync/internal/auth"
	"github.com/hongjun500/clipsync/internal/cluster"
	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/session"
	"github.com/hongjun500/clipsync/internal/transport"
)

// peer 一个已登记的设备会话
type peer struct {
	id      transport.Identity
	reg     *session.Registration
	conn    *transport.Conn
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := transport.IdentityFromHeader(r.Header)
	if err != nil {
		s.log.Warnw("handshake_rejected", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing X-Device-Id or X-Device-Platform header"})
		return
	}
	if s.opt.RequireAuth {
		if err := auth.Authorize(s.opt.Secret, r, id.DeviceID); err != nil {
			s.log.Warnw("handshake_unauthorized", "device_id", id.DeviceID, "remote", r.RemoteAddr, "err", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
			return
		}
	}

	// 先登记再升级，重复连接在握手阶段即可拒绝
	force := r.Header.Get(transport.HeaderForceRegister) == "true"
	var reg *session.Registration
	if force {
		reg = s.router.Register(id.DeviceID)
	} else {
		reg, err = s.router.RegisterIfAbsent(id.DeviceID)
		if errors.Is(err, session.ErrAlreadyRegistered) {
			s.log.Warnw("duplicate_registration", "device_id", id.DeviceID, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":     "Device already connected",
				"device_id": id.DeviceID,
				"message":   "Another connection with this device ID is active; send X-Force-Register: true to take over.",
			})
			return
		}
	}

	conn, err := s.acceptor.Accept(w, r, id, transport.Cloud)
	if err != nil {
		s.router.UnregisterWithToken(id.DeviceID, reg.Token)
		s.log.Warnw("ws_upgrade_failed", "device_id", id.DeviceID, "err", err)
		return
	}

	p := &peer{
		id:      id,
		reg:     reg,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.opt.RatePerSec), s.opt.RateBurst),
		log:     s.log.With("device_id", id.DeviceID, "token", reg.Token),
	}
	p.log.Infow("session_open", "platform", id.Platform, "remote", conn.RemoteAddr(), "force", force)

	// 请求 ctx 在 handler 返回后失效，集群操作使用独立的 ctx
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c := s.opt.Cluster; c != nil {
		if err := c.Claim(ctx, id.DeviceID, reg.Token); err != nil {
			p.log.Warnw("presence_claim_failed", "err", err)
		}
	}

	go s.writer(p)
	s.reader(ctx, p)
}

// writer 把路由给本设备的帧写出。Frames 被关闭说明登记已被替换或注销，
// 只有写失败退出时才需要用自己的令牌注销
func (s *Server) writer(p *peer) {
	failed := false
	for frame := range p.reg.Frames {
		if err := p.conn.Send(frame); err != nil {
			if errors.Is(err, transport.ErrBackpressure) {
				observe.IncDropped("backpressure")
				p.log.Warnw("relay_write_dropped", "err", err)
				continue
			}
			p.log.Warnw("relay_write_failed", "err", err)
			failed = true
			break
		}
	}
	if failed && s.router.UnregisterWithToken(p.id.DeviceID, p.reg.Token) {
		p.log.Infow("writer_closed")
	}
	_ = p.conn.Close()
}

func (s *Server) reader(ctx context.Context, p *peer) {
	var refresh <-chan time.Time
	if c := s.opt.Cluster; c != nil {
		t := time.NewTicker(c.TTL() / 3)
		defer t.Stop()
		refresh = t.C
	}

	events := p.conn.Events()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case transport.EventFrame:
				s.handleFrame(ctx, p, ev.Frame, ev.Legacy)
			case transport.EventClosed, transport.EventFailed:
				p.log.Infow("session_closed", "event", ev.Kind.String(), "err", ev.Err)
				break loop
			}
		case <-refresh:
			owned, err := s.opt.Cluster.Refresh(ctx, p.id.DeviceID, p.reg.Token)
			if err != nil {
				p.log.Warnw("presence_refresh_failed", "err", err)
			} else if !owned {
				// 另一个节点上的新会话接管了在线信息
				p.log.Infow("presence_taken_over")
			}
		}
	}

	if s.router.UnregisterWithToken(p.id.DeviceID, p.reg.Token) {
		p.log.Infow("reader_closed")
	}
	if c := s.opt.Cluster; c != nil {
		if _, err := c.Release(ctx, p.id.DeviceID, p.reg.Token); err != nil {
			p.log.Warnw("presence_release_failed", "err", err)
		}
	}
	_ = p.conn.Close()
}

// handleFrame 只读取路由头；剪贴板密文原样转发
func (s *Server) handleFrame(ctx context.Context, p *peer, frame []byte, legacy bool) {
	if !p.limiter.Allow() {
		observe.IncDropped("rate_limited")
		p.log.Warnw("rate_limited")
		return
	}
	s.processed.Add(1)

	h, err := protocol.Peek(frame)
	if err != nil {
		observe.IncDropped("malformed")
		s.failures.Add(1)
		p.log.Warnw("frame_rejected", "legacy", legacy, "err", err)
		s.reply(p, s.factory.CreateRoutingError("", "", protocol.CodeInvalidMessage, err.Error()))
		return
	}
	if h.Sender != p.id.DeviceID {
		observe.IncDropped("sender_mismatch")
		s.failures.Add(1)
		p.log.Warnw("sender_mismatch", "sender", h.Sender)
		return
	}

	switch h.Type {
	case protocol.MsgControl:
		s.handleControl(ctx, p, h, frame)
	case protocol.MsgClipboard:
		if h.Target == "" {
			n := s.router.BroadcastExcept(h.Sender, frame)
			p.log.Infow("route_broadcast", "sender", h.Sender, "recipients", n)
			return
		}
		s.route(ctx, p, h, frame)
	}
}

func (s *Server) route(ctx context.Context, p *peer, h protocol.Header, frame []byte) {
	log := p.log.With("sender", h.Sender, "target", h.Target, "id", h.ID)
	log.Infow("route_attempt")
	err := s.router.SendBinary(h.Target, frame)
	if errors.Is(err, session.ErrDeviceNotConnected) && s.opt.Cluster != nil {
		err = s.forward(ctx, h, frame)
	}
	switch {
	case err == nil:
		log.Infow("route_delivered")
	case errors.Is(err, session.ErrSessionBusy):
		s.failures.Add(1)
		log.Warnw("route_failed", "err", err)
		s.reply(p, s.factory.CreateRoutingError(h.Target, h.ID.String(), protocol.CodeDeviceBusy,
			"device "+h.Target+" is not keeping up"))
	default:
		s.failures.Add(1)
		log.Infow("route_failed", "err", err)
		s.reply(p, s.factory.CreateRoutingError(h.Target, h.ID.String(), protocol.CodeDeviceNotConnected,
			"device "+h.Target+" is not connected"))
	}
}

func (s *Server) forward(ctx context.Context, h protocol.Header, frame []byte) error {
	err := s.opt.Cluster.Forward(ctx, cluster.Record{Target: h.Target, Sender: h.Sender, Frame: frame, ID: h.ID.String()})
	if errors.Is(err, cluster.ErrNotPresent) {
		return session.ErrDeviceNotConnected
	}
	return err
}

func (s *Server) handleControl(ctx context.Context, p *peer, h protocol.Header, frame []byte) {
	switch h.Action {
	case protocol.ActionHeartbeat:
		s.reply(p, s.factory.CreateHeartbeatAck(h.ID))
	case protocol.ActionRegisterKey:
		env, err := protocol.Decode(frame)
		if err != nil {
			p.log.Warnw("register_key_invalid", "err", err)
			return
		}
		if err := s.keys.Save(ctx, h.Sender, env.Payload.SymmetricKey); err != nil {
			p.log.Warnw("register_key_invalid", "err", err)
			s.reply(p, s.factory.CreateRoutingError("", h.ID.String(), protocol.CodeInvalidMessage, err.Error()))
			return
		}
		p.log.Infow("key_registered")
	case protocol.ActionDeregisterKey:
		_ = s.keys.Delete(ctx, h.Sender)
		p.log.Infow("key_deregistered")
	default:
		p.log.Debugw("control_ignored", "action", h.Action)
	}
}

func (s *Server) reply(p *peer, env *protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := p.conn.Send(frame); err != nil {
		p.log.Debugw("reply_dropped", "err", err)
	}
}
