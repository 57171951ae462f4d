// Package agent 组装一台设备上的同步引擎：密钥库、发现表、LAN 监听、
// 每个目标设备一个 supervisor、共享的云端连接以及同步协调器。
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/config"
	"github.com/hongjun500/clipsync/internal/coordinator"
	"github.com/hongjun500/clipsync/internal/discovery"
	"github.com/hongjun500/clipsync/internal/keystore"
	"github.com/hongjun500/clipsync/internal/lan"
	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/supervisor"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

const (
	manualService = "manual:"
	pruneEvery    = 30 * time.Second
	staleAfter    = 2 * time.Minute
	stopTimeout   = 3 * time.Second
)

type peerLink struct {
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
	state  supervisor.State
}

type Agent struct {
	cfg      *config.AgentConfig
	identity transport.Identity
	log      *zap.SugaredLogger

	keys     keystore.Store
	registry *discovery.Registry
	coord    *coordinator.Coordinator
	lan      *lan.Server
	cloud    *cloudMux

	httpc        *http.Client
	presenceKick chan struct{}

	// supervisor 与入站处理使用的 ctx，只在 shutdown 清空队列之后取消
	peerCtx   context.Context
	stopPeers context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*peerLink
	inbound map[string]int // 对端主动连入的 LAN 会话数
}

func New(cfg *config.AgentConfig, keys keystore.Store, applier coordinator.Applier) *Agent {
	if keys == nil {
		keys = keystore.NewMemoryStore()
	}
	a := &Agent{
		cfg:      cfg,
		identity: transport.Identity{DeviceID: cfg.DeviceID, Platform: cfg.Platform, Name: cfg.DeviceName},
		log:      logger.S("agent").With("device_id", cfg.DeviceID),
		keys:     keys,
		registry: discovery.NewRegistry(),
		peers:    make(map[string]*peerLink),
		inbound:  make(map[string]int),
		httpc:    &http.Client{Timeout: presenceTimeout},

		presenceKick: make(chan struct{}, 1),
	}
	a.peerCtx, a.stopPeers = context.WithCancel(context.Background())
	a.coord = coordinator.New(coordinator.Config{
		LocalID:        cfg.DeviceID,
		LocalName:      cfg.DeviceName,
		Keys:           keys,
		Applier:        applier,
		DedupWindow:    cfg.DedupWindow,
		AllowPlaintext: cfg.Plaintext,
	})
	a.lan = lan.NewServer(lan.Config{Local: a.identity, Options: a.transportOptions()}, a)
	a.cloud = newCloudMux(a.dialCloud, func(env *protocol.Envelope) {
		a.handle(env, transport.Cloud)
	})
	a.cloud.notify = a.kickPresence
	return a
}

func (a *Agent) Coordinator() *coordinator.Coordinator { return a.coord }
func (a *Agent) Registry() *discovery.Registry         { return a.registry }
func (a *Agent) LAN() *lan.Server                      { return a.lan }

// Supervisor 目标设备的连接监督器
func (a *Agent) Supervisor(peer string) (*supervisor.Supervisor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[peer]
	if !ok {
		return nil, false
	}
	return p.sup, true
}

// Copy 本地剪贴板变化
func (a *Agent) Copy(ctx context.Context, p protocol.ClipboardPayload) ([]coordinator.Result, error) {
	return a.coord.LocalChange(ctx, p)
}

// NetworkChanged 通知所有 supervisor 立即重连
func (a *Agent) NetworkChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.peers {
		p.sup.NetworkChanged()
	}
}

func (a *Agent) transportOptions() transport.Options {
	opt := transport.DefaultOptions()
	if a.cfg.IdleTimeout > 0 {
		opt.IdleTimeout = a.cfg.IdleTimeout
	}
	return opt
}

func (a *Agent) backoff() supervisor.Backoff {
	if a.cfg.BackoffBase <= 0 {
		return supervisor.DefaultBackoff()
	}
	return supervisor.Backoff{
		Initial:     a.cfg.BackoffBase,
		Max:         a.cfg.BackoffMax,
		Jitter:      a.cfg.Jitter,
		MaxAttempts: a.cfg.MaxAttempts,
	}
}

// Run 阻塞直到 ctx 结束；退出前先清空各 supervisor 的发送队列再停止它们
func (a *Agent) Run(ctx context.Context) error {
	a.refreshManual()
	for _, p := range a.cfg.Peers {
		// 没有 LAN 地址的对端只能经中继到达，同样是目标
		if err := a.coord.AddManualTarget(ctx, p.DeviceID); err != nil {
			return fmt.Errorf("agent: add peer %s: %w", p.DeviceID, err)
		}
	}
	if err := a.coord.RefreshTargets(ctx); err != nil {
		return err
	}
	// 首次 TargetsChanged 可能已被发出，这里直接按当前目标对齐一次
	a.reconcile(a.coord.Targets())

	errc := make(chan error, 2)
	if a.cfg.LanAddr != "" {
		go func() { errc <- a.lan.Serve(ctx, a.cfg.LanAddr) }()
	}
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := observe.StartHTTP(ctx, a.cfg.MetricsAddr); err != nil {
				a.log.Warnw("metrics_server_stopped", "err", err)
			}
		}()
	}
	if a.cfg.CloudURL != "" {
		go a.cloud.keepalive(ctx, a.backoff())
		go a.watchPresence(ctx)
	}

	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errc:
			if err != nil {
				runErr = fmt.Errorf("agent: lan server: %w", err)
				break loop
			}
		case ev := <-a.coord.Events():
			a.onCoordinatorEvent(ev)
		case <-a.registry.Changes():
			if err := a.coord.SetDiscovered(ctx, a.registry.DeviceIDs()); err != nil {
				a.log.Warnw("discovery_refresh_failed", "err", err)
			}
			a.kickDisconnected()
		case <-prune.C:
			a.refreshManual()
			a.registry.Prune(staleAfter)
		}
	}

	a.shutdown()
	return runErr
}

func (a *Agent) onCoordinatorEvent(ev coordinator.Event) {
	switch ev.Kind {
	case coordinator.EventTargetsChanged:
		a.reconcile(ev.Targets)
		a.kickPresence()
	case coordinator.EventDeliveryFailed:
		a.log.Warnw("delivery_failed", "target", ev.Target, "code", ev.Code, "original_id", ev.OriginalID)
		if ev.Code == protocol.CodeDeviceNotConnected {
			a.coord.SetTransportOnline(ev.Target, transport.Cloud, false)
		}
	case coordinator.EventApplied:
		a.log.Debugw("clipboard_applied", "from", ev.Item.DeviceID, "via", ev.Item.Via)
	}
}

// refreshManual 手工配置的对端不会被清理
func (a *Agent) refreshManual() {
	for _, p := range a.cfg.Peers {
		if p.Host == "" {
			continue
		}
		a.registry.Upsert(discovery.Peer{ServiceName: manualService + p.DeviceID, Host: p.Host, Port: p.Port, DeviceID: p.DeviceID})
	}
}

// kickDisconnected 发现表变化后，让未连接的 supervisor 立即重试
func (a *Agent) kickDisconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.peers {
		if !p.sup.State().Connected() {
			p.sup.NetworkChanged()
		}
	}
}

// reconcile 为新目标启动 supervisor，停止已不再是目标的
func (a *Agent) reconcile(targets []string) {
	want := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}

	a.mu.Lock()
	var stale []*peerLink
	var staleIDs []string
	for id, p := range a.peers {
		if _, ok := want[id]; !ok {
			stale = append(stale, p)
			staleIDs = append(staleIDs, id)
			delete(a.peers, id)
		}
	}
	for _, id := range targets {
		if _, ok := a.peers[id]; ok {
			continue
		}
		a.peers[id] = a.startPeer(a.peerCtx, id)
	}
	a.mu.Unlock()

	for i, p := range stale {
		a.coord.Detach(staleIDs[i])
		a.stopPeer(p)
		a.coord.SetTransportOnline(staleIDs[i], transport.LAN, a.inboundCount(staleIDs[i]) > 0)
		a.coord.SetTransportOnline(staleIDs[i], transport.Cloud, false)
	}
}

func (a *Agent) startPeer(ctx context.Context, peer string) *peerLink {
	sup := supervisor.New(supervisor.Config{
		PeerID:            peer,
		LocalID:           a.cfg.DeviceID,
		Dial:              a.dialer(peer),
		LanTimeout:        a.cfg.LanTimeout,
		CloudTimeout:      a.cfg.CloudTimeout,
		HeartbeatInterval: a.cfg.Heartbeat,
		AckTimeout:        a.cfg.AckTimeout,
		Backoff:           a.backoff(),
	})
	pctx, cancel := context.WithCancel(ctx)
	p := &peerLink{sup: sup, cancel: cancel}
	states, unsubscribe := sup.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-pctx.Done():
				return
			case st := <-states:
				a.onPeerState(peer, st)
			case in := <-sup.Inbound():
				a.handle(in.Envelope, in.Via)
			}
		}
	}()
	if err := sup.Start(pctx); err != nil {
		a.log.Warnw("supervisor_start_failed", "peer", peer, "err", err)
	}
	a.coord.Attach(peer, sup)
	a.log.Infow("peer_started", "peer", peer)
	return p
}

func (a *Agent) stopPeer(p *peerLink) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := p.sup.Stop(ctx, p.sup.Drain); err != nil {
		a.log.Infow("peer_stop_incomplete", "peer", p.sup.PeerID(), "err", err)
	}
	p.cancel()
	a.log.Infow("peer_stopped", "peer", p.sup.PeerID())
}

func (a *Agent) onPeerState(peer string, st supervisor.State) {
	a.mu.Lock()
	if p, ok := a.peers[peer]; ok {
		p.state = st
	}
	lanIn := a.inbound[peer] > 0
	a.mu.Unlock()
	a.coord.SetTransportOnline(peer, transport.LAN, lanIn || st.Phase == supervisor.ConnectedLan)
	// 中继链路可用不代表对端在中继上，云端在线状态交给 watchPresence
	if st.Phase == supervisor.ConnectedCloud {
		a.kickPresence()
	}
}

func (a *Agent) inboundCount(peer string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inbound[peer]
}

// dialer 按链路类型为某个对端建立连接
func (a *Agent) dialer(peer string) supervisor.DialFunc {
	return func(ctx context.Context, kind transport.Kind) (supervisor.Link, error) {
		switch kind {
		case transport.LAN:
			return a.dialLAN(ctx, peer)
		case transport.Cloud:
			if a.cfg.CloudURL == "" {
				return nil, ErrCloudDisabled
			}
			return a.cloud.open(ctx, peer)
		}
		return nil, supervisor.ErrNoRoute
	}
}

func (a *Agent) dialLAN(ctx context.Context, peer string) (supervisor.Link, error) {
	rec, ok := a.registry.Lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s not discovered", supervisor.ErrNoRoute, peer)
	}
	conn, err := transport.Dial(ctx, transport.DialConfig{
		URL:         rec.URL(),
		Kind:        transport.LAN,
		Identity:    a.identity,
		Fingerprint: rec.Fingerprint,
		Options:     a.transportOptions(),
	})
	if err != nil {
		return nil, err
	}
	if got := conn.Peer().DeviceID; got != peer {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s answered as %q", transport.ErrHandshake, rec.Addr(), got)
	}
	return conn, nil
}

func (a *Agent) dialCloud(ctx context.Context) (cloudLink, error) {
	return transport.Dial(ctx, transport.DialConfig{
		URL:      a.cfg.CloudURL,
		Kind:     transport.Cloud,
		Identity: a.identity,
		Token:    a.cfg.Token,
		// 同一设备的旧会话可能尚未被中继清理
		ForceRegister: true,
		Options:       a.transportOptions(),
	})
}

func (a *Agent) handle(env *protocol.Envelope, via transport.Kind) {
	if _, err := a.coord.HandleEnvelope(a.peerCtx, env, via); err != nil {
		a.log.Warnw("inbound_rejected", "sender", env.Payload.DeviceID, "via", via, "err", err)
		return
	}
	// 经中继收到对端的内容，说明它此刻在中继上
	if via == transport.Cloud && env.Type == protocol.MsgClipboard {
		a.coord.SetTransportOnline(env.Payload.DeviceID, transport.Cloud, true)
	}
}

// ---- lan.Gateway ----

func (a *Agent) OnSessionOpen(peer transport.Identity) {
	a.mu.Lock()
	a.inbound[peer.DeviceID]++
	a.mu.Unlock()
	a.coord.SetTransportOnline(peer.DeviceID, transport.LAN, true)
}

func (a *Agent) OnEnvelope(_ transport.Identity, env *protocol.Envelope) {
	a.handle(env, transport.LAN)
}

func (a *Agent) OnSessionClose(peer transport.Identity, _ error) {
	a.mu.Lock()
	a.inbound[peer.DeviceID]--
	n := a.inbound[peer.DeviceID]
	if n <= 0 {
		delete(a.inbound, peer.DeviceID)
	}
	connected := false
	if p, ok := a.peers[peer.DeviceID]; ok {
		connected = p.state.Phase == supervisor.ConnectedLan
	}
	a.mu.Unlock()
	a.coord.SetTransportOnline(peer.DeviceID, transport.LAN, n > 0 || connected)
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	peers := make([]*peerLink, 0, len(a.peers))
	for id, p := range a.peers {
		peers = append(peers, p)
		delete(a.peers, id)
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peerLink) {
			defer wg.Done()
			a.stopPeer(p)
		}(p)
	}
	wg.Wait()
	a.stopPeers()
	a.cloud.close()
	a.log.Infow("agent_stopped")
}
