// Package lan 设备端的局域网 WebSocket 监听。对端按设备 ID 登记到 session.Router，
// 收到的信封交给 Gateway，心跳在这里直接应答。
package lan

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/session"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

// Gateway 会话生命周期回调
type Gateway interface {
	OnSessionOpen(peer transport.Identity)
	OnEnvelope(peer transport.Identity, env *protocol.Envelope)
	OnSessionClose(peer transport.Identity, err error)
}

type Config struct {
	Local   transport.Identity
	Options transport.Options
	Buffer  int
	// TLS 非空时以 TLS 监听，对端通过证书指纹校验
	TLS  *tls.Config
	Path string
}

type Server struct {
	cfg      Config
	gw       Gateway
	router   *session.Router
	acceptor *transport.Acceptor
	factory  *protocol.MessageFactory
	log      *zap.SugaredLogger
	ready    chan net.Addr
}

func NewServer(cfg Config, gw Gateway) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Server{
		cfg:      cfg,
		gw:       gw,
		router:   session.NewRouter(cfg.Buffer),
		acceptor: transport.NewAcceptor(cfg.Local, cfg.Options),
		factory:  protocol.NewMessageFactory(cfg.Local.DeviceID, cfg.Local.Name),
		log:      logger.S("lan").With("device_id", cfg.Local.DeviceID),
		ready:    make(chan net.Addr, 1),
	}
}

func (s *Server) Router() *session.Router { return s.router }

// Ready 监听成功后收到实际地址（addr 端口为 0 时有用）
func (s *Server) Ready() <-chan net.Addr { return s.ready }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleConnection)
	return mux
}

// SendBinary 向已连接的对端发送一帧
func (s *Server) SendBinary(deviceID string, frame []byte) error {
	return s.router.SendBinary(deviceID, frame)
}

// Serve 监听 addr，ctx 结束时优雅关闭
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Infow("lan_listen", "addr", ln.Addr().String(), "path", s.cfg.Path, "tls", s.cfg.TLS != nil)
	s.ready <- ln.Addr()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	peer, err := transport.IdentityFromHeader(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// 同一对端重连时新连接取代旧连接
	reg := s.router.Register(peer.DeviceID)
	conn, err := s.acceptor.Accept(w, r, peer, transport.LAN)
	if err != nil {
		s.router.UnregisterWithToken(peer.DeviceID, reg.Token)
		s.log.Warnw("ws_upgrade_failed", "peer", peer.DeviceID, "err", err)
		return
	}
	log := s.log.With("peer", peer.DeviceID, "token", reg.Token)
	s.gw.OnSessionOpen(peer)

	go func() {
		for frame := range reg.Frames {
			if err := conn.Send(frame); err != nil {
				log.Warnw("lan_write_failed", "err", err)
				if !errors.Is(err, transport.ErrBackpressure) {
					break
				}
			}
		}
		_ = conn.Close()
	}()

	var closeErr error
	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventFrame:
			s.handleFrame(conn, peer, ev.Frame, log)
		case transport.EventFailed:
			closeErr = ev.Err
		}
	}
	s.router.UnregisterWithToken(peer.DeviceID, reg.Token)
	s.gw.OnSessionClose(peer, closeErr)
	log.Infow("lan_session_closed", "err", closeErr)
}

func (s *Server) handleFrame(conn *transport.Conn, peer transport.Identity, frame []byte, log *zap.SugaredLogger) {
	env, err := protocol.Decode(frame)
	if err != nil {
		observe.IncDropped("malformed")
		log.Warnw("frame_rejected", "err", err)
		return
	}
	if env.Payload.DeviceID != peer.DeviceID {
		observe.IncDropped("sender_mismatch")
		log.Warnw("sender_mismatch", "sender", env.Payload.DeviceID)
		return
	}
	if env.IsControl(protocol.ActionHeartbeat) {
		ack, _ := protocol.Encode(s.factory.CreateHeartbeatAck(env.ID))
		_ = conn.Send(ack)
		return
	}
	s.gw.OnEnvelope(peer, env)
}
