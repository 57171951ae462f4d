// Package discovery 维护局域网内发现的对端。广播与监听由外部完成，这里只保存结果，
// 并在握手后把服务名绑定到设备 ID。
package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/pkg/logger"
)

// Peer 一条发现记录，以 ServiceName 为键
type Peer struct {
	ServiceName string
	Host        string
	Port        int
	Fingerprint string
	LastSeen    time.Time
	Attributes  map[string]string
	DeviceID    string // 握手后绑定
}

// Addr host:port
func (p Peer) Addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }

// URL LAN 上的 WebSocket 地址
func (p Peer) URL() string {
	scheme := "ws"
	if p.Fingerprint != "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, p.Addr())
}

type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	now     func() time.Time
	changes chan struct{}
	log     *zap.SugaredLogger
}

func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*Peer),
		now:     time.Now,
		changes: make(chan struct{}, 1),
		log:     logger.S("discovery"),
	}
}

// Changes 集合变化时收到通知，多次变化可能合并为一次
func (r *Registry) Changes() <-chan struct{} { return r.changes }

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// Upsert 新增或刷新一条记录；保留已绑定的设备 ID，地址变化时通知
func (r *Registry) Upsert(p Peer) {
	if p.LastSeen.IsZero() {
		p.LastSeen = r.now()
	}
	r.mu.Lock()
	old, ok := r.peers[p.ServiceName]
	if ok && p.DeviceID == "" {
		p.DeviceID = old.DeviceID
	}
	changed := !ok || old.Host != p.Host || old.Port != p.Port || old.DeviceID != p.DeviceID
	cp := p
	r.peers[p.ServiceName] = &cp
	r.mu.Unlock()
	if changed {
		r.log.Infow("peer_upserted", "service", p.ServiceName, "addr", p.Addr(), "device_id", p.DeviceID)
		r.notify()
	}
}

func (r *Registry) Remove(service string) bool {
	r.mu.Lock()
	_, ok := r.peers[service]
	delete(r.peers, service)
	r.mu.Unlock()
	if ok {
		r.log.Infow("peer_removed", "service", service)
		r.notify()
	}
	return ok
}

// BindDevice 握手确认对端身份后调用
func (r *Registry) BindDevice(service, deviceID string) bool {
	r.mu.Lock()
	p, ok := r.peers[service]
	changed := ok && p.DeviceID != deviceID
	if changed {
		p.DeviceID = deviceID
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return ok
}

// Prune 移除超过 staleAfter 未见的记录，返回被移除的服务名
func (r *Registry) Prune(staleAfter time.Duration) []string {
	cutoff := r.now().Add(-staleAfter)
	var removed []string
	r.mu.Lock()
	for name, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()
	if len(removed) > 0 {
		sort.Strings(removed)
		r.log.Infow("peers_pruned", "services", removed)
		r.notify()
	}
	return removed
}

// DeviceIDs 已绑定设备 ID 的去重排序列表
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.peers))
	for _, p := range r.peers {
		if p.DeviceID != "" {
			seen[p.DeviceID] = struct{}{}
		}
	}
	r.mu.RUnlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup 按设备 ID 查找，多条记录时取最近一次见到的
func (r *Registry) Lookup(deviceID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Peer
	for _, p := range r.peers {
		if p.DeviceID != deviceID {
			continue
		}
		if best == nil || p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	if best == nil {
		return Peer{}, false
	}
	return *best, true
}

func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}
