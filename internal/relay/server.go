// Package relay 云端中继：按设备 ID 登记 WebSocket 会话，只读取路由头转发密文帧。
//
// 每个会话有独立的读写协程，两者退出时都用自己的令牌注销，
// 同一设备的新会话不会被旧会话的延迟清理移除。
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/cluster"
	"github.com/hongjun500/clipsync/internal/keystore"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/session"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

// RelayID 中继自身发出的控制消息所用的设备 ID
const RelayID = "clipsync-relay"

type Options struct {
	Version     string
	RequireAuth bool
	Secret      []byte
	OutBuffer   int
	RatePerSec  float64
	RateBurst   int
	MaxFrame    int64
	IdleTimeout time.Duration
	// Cluster 为空时只在本节点内路由
	Cluster *cluster.Cluster
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = session.DefaultBuffer
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = protocol.MaxPayloadSize + 4
	}
	return o
}

type Server struct {
	opt      Options
	router   *session.Router
	keys     *keystore.MemoryStore
	acceptor *transport.Acceptor
	factory  *protocol.MessageFactory
	log      *zap.SugaredLogger
	started  time.Time

	processed atomic.Uint64
	failures  atomic.Uint64
}

func New(opt Options) *Server {
	opt = opt.withDefaults()
	topt := transport.DefaultOptions()
	topt.MaxFrameSize = opt.MaxFrame
	if opt.IdleTimeout > 0 {
		topt.IdleTimeout = opt.IdleTimeout
	}
	return &Server{
		opt:      opt,
		router:   session.NewRouter(opt.OutBuffer),
		keys:     keystore.NewMemoryStore(),
		acceptor: transport.NewAcceptor(transport.Identity{DeviceID: RelayID, Platform: "relay"}, topt),
		factory:  protocol.NewMessageFactory(RelayID, ""),
		log:      logger.S("relay"),
		started:  time.Now(),
	}
}

func (s *Server) Router() *session.Router     { return s.router }
func (s *Server) Keys() *keystore.MemoryStore { return s.keys }

// Handler HTTP 入口：/ws /health /status /peers /metrics
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/peers", s.handlePeers)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve 监听 addr，ctx 结束时优雅关闭；配置了集群时同时消费本节点的转发流
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.opt.Cluster != nil {
		go func() {
			err := s.opt.Cluster.Consume(ctx, s.deliverRemote)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Errorw("cluster_consume_stopped", "err", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Infow("relay_listen", "addr", addr, "require_auth", s.opt.RequireAuth, "cluster", s.opt.Cluster != nil)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// deliverRemote 其他节点转发来的帧，只投递给本节点上的会话；投递失败时把路由错误送回发送方
func (s *Server) deliverRemote(ctx context.Context, rec cluster.Record) error {
	err := s.router.SendBinary(rec.Target, rec.Frame)
	if err != nil {
		s.failures.Add(1)
		s.log.Infow("route_failed", "device_id", rec.Target, "sender", rec.Sender, "via", "cluster", "err", err)
		s.reportRemote(ctx, rec, err)
		return err
	}
	s.log.Infow("route_delivered", "device_id", rec.Target, "sender", rec.Sender, "via", "cluster")
	return nil
}

// reportRemote 发送方可能在本节点，也可能在第三个节点
func (s *Server) reportRemote(ctx context.Context, rec cluster.Record, cause error) {
	// 中继自己发出的错误帧不再回报
	if rec.ID == "" || rec.Sender == "" || rec.Sender == RelayID {
		return
	}
	code, msg := protocol.CodeDeviceNotConnected, "device "+rec.Target+" is not connected"
	if errors.Is(cause, session.ErrSessionBusy) {
		code, msg = protocol.CodeDeviceBusy, "device "+rec.Target+" is not keeping up"
	}
	frame, err := protocol.Encode(s.factory.CreateRoutingError(rec.Target, rec.ID, code, msg))
	if err != nil {
		return
	}
	if err = s.router.SendBinary(rec.Sender, frame); err == nil {
		return
	}
	if s.opt.Cluster != nil {
		err = s.opt.Cluster.Forward(ctx, cluster.Record{Target: rec.Sender, Sender: RelayID, Frame: frame})
	}
	if err != nil {
		s.log.Infow("route_error_undeliverable", "device_id", rec.Sender, "original_id", rec.ID, "err", err)
	}
}
