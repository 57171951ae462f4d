// Package coordinator 同步协调器：把本地剪贴板变化加密后发往每个目标设备，
// 并把收到的信封解密、去重后交给本地应用。
//
// 目标集合 = (发现的设备 ∪ 手动添加) − 本机，且必须在密钥库中有密钥。
// 远端内容应用后标记 SkipBroadcast，本地再次观察到同一内容时不会回传。
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/crypto"
	"github.com/hongjun500/clipsync/internal/keystore"
	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/transport"
	"github.com/hongjun500/clipsync/pkg/logger"
)

var (
	// ErrMissingKey 对端未配对，无法加解密
	ErrMissingKey = errors.New("coordinator: no key for device")
	// ErrNoRoute 目标没有可用的发送通道
	ErrNoRoute = errors.New("coordinator: no sender for target")
	// ErrPlaintextRejected 收到明文剪贴板消息但未允许明文
	ErrPlaintextRejected = errors.New("coordinator: plaintext clipboard rejected")
)

// Sender 面向单个目标设备的发送通道，*supervisor.Supervisor 即满足
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Applier 把远端内容写入本地剪贴板（外部协作方）
type Applier interface {
	Apply(ctx context.Context, item Item) error
}

type ApplierFunc func(ctx context.Context, item Item) error

func (f ApplierFunc) Apply(ctx context.Context, item Item) error { return f(ctx, item) }

// Item 一条剪贴板内容。来自远端时带有来源设备信息且 SkipBroadcast 为 true
type Item struct {
	ID            uuid.UUID
	ContentType   protocol.ContentType
	Data          []byte
	Metadata      map[string]string
	DeviceID      string
	DeviceName    string
	CreatedAt     time.Time
	SkipBroadcast bool
	Via           transport.Kind
}

// Result 单个目标的发送结果，各目标互不影响
type Result struct {
	Target     string
	EnvelopeID uuid.UUID
	Err        error
}

type EventKind int

const (
	EventApplied EventKind = iota
	EventDeliveryFailed
	EventTargetsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventApplied:
		return "applied"
	case EventDeliveryFailed:
		return "delivery_failed"
	case EventTargetsChanged:
		return "targets_changed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind EventKind
	// EventApplied
	Item *Item
	// EventDeliveryFailed
	Target     string
	Code       string
	OriginalID string
	Err        error
	// EventTargetsChanged
	Targets []string
}

// PairedDevice 已配对设备及其在线状态，在线 = LAN 已连接或云端已连接
type PairedDevice struct {
	DeviceID   string
	Online     bool
	Transports []transport.Kind
}

type Config struct {
	LocalID        string
	LocalName      string
	Keys           keystore.Store
	Applier        Applier
	DedupWindow    time.Duration
	Now            func() time.Time
	AllowPlaintext bool
	EventBuffer    int
}

type Coordinator struct {
	cfg     Config
	log     *zap.SugaredLogger
	factory *protocol.MessageFactory

	seen   *window // 入站去重
	echoes *window // 刚应用的内容，本地再次观察到时不回传

	mu         sync.Mutex
	discovered map[string]struct{}
	manual     map[string]struct{}
	targets    []string
	senders    map[string]Sender
	online     map[transport.Kind]map[string]bool

	events chan Event
}

func New(cfg Config) *Coordinator {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Keys == nil {
		cfg.Keys = keystore.NewMemoryStore()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        logger.S("coordinator").With("device_id", cfg.LocalID),
		factory:    protocol.NewMessageFactory(cfg.LocalID, cfg.LocalName),
		seen:       newWindow(cfg.DedupWindow, cfg.Now),
		echoes:     newWindow(cfg.DedupWindow, cfg.Now),
		discovered: make(map[string]struct{}),
		manual:     make(map[string]struct{}),
		senders:    make(map[string]Sender),
		online: map[transport.Kind]map[string]bool{
			transport.LAN:   {},
			transport.Cloud: {},
		},
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events 协调器事件；消费过慢时丢弃新事件
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warnw("event_dropped", "kind", ev.Kind.String())
	}
}

// ---------------------------------------------------------------------------
// 目标管理

// SetDiscovered 用发现层的最新设备集合替换旧集合并重算目标
func (c *Coordinator) SetDiscovered(ctx context.Context, ids []string) error {
	c.mu.Lock()
	c.discovered = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.discovered[id] = struct{}{}
	}
	c.mu.Unlock()
	return c.RefreshTargets(ctx)
}

func (c *Coordinator) AddManualTarget(ctx context.Context, id string) error {
	c.mu.Lock()
	c.manual[id] = struct{}{}
	c.mu.Unlock()
	return c.RefreshTargets(ctx)
}

func (c *Coordinator) RemoveManualTarget(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.manual, id)
	c.mu.Unlock()
	return c.RefreshTargets(ctx)
}

// Pair 保存对端密钥后重算目标，是引擎写入密钥库的唯一入口
func (c *Coordinator) Pair(ctx context.Context, deviceID string, key []byte) error {
	if err := c.cfg.Keys.Save(ctx, deviceID, key); err != nil {
		return fmt.Errorf("pair %s: %w", deviceID, err)
	}
	return c.RefreshTargets(ctx)
}

func (c *Coordinator) Unpair(ctx context.Context, deviceID string) error {
	if err := c.cfg.Keys.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("unpair %s: %w", deviceID, err)
	}
	return c.RefreshTargets(ctx)
}

// RefreshTargets 重算目标集合，变化时发出 EventTargetsChanged
func (c *Coordinator) RefreshTargets(ctx context.Context) error {
	c.mu.Lock()
	candidates := make(map[string]struct{}, len(c.discovered)+len(c.manual))
	for id := range c.discovered {
		candidates[id] = struct{}{}
	}
	for id := range c.manual {
		candidates[id] = struct{}{}
	}
	c.mu.Unlock()
	delete(candidates, c.cfg.LocalID)

	next := make([]string, 0, len(candidates))
	for id := range candidates {
		_, ok, err := c.cfg.Keys.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load key %s: %w", id, err)
		}
		if ok {
			next = append(next, id)
		}
	}
	sort.Strings(next)

	c.mu.Lock()
	changed := !equalStrings(c.targets, next)
	c.targets = next
	c.mu.Unlock()
	if changed {
		c.log.Infow("targets_changed", "targets", next)
		c.emit(Event{Kind: EventTargetsChanged, Targets: append([]string(nil), next...)})
	}
	return nil
}

// Targets 当前目标集合（已排序）
func (c *Coordinator) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.targets...)
}

// Attach 为目标设备挂接发送通道，重复挂接会替换旧通道
func (c *Coordinator) Attach(deviceID string, s Sender) {
	c.mu.Lock()
	c.senders[deviceID] = s
	c.mu.Unlock()
}

func (c *Coordinator) Detach(deviceID string) {
	c.mu.Lock()
	delete(c.senders, deviceID)
	c.mu.Unlock()
}

// SetTransportOnline 由连接层上报某设备在某条链路上的连通性
func (c *Coordinator) SetTransportOnline(deviceID string, kind transport.Kind, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.online[kind]
	if !ok {
		return
	}
	if online {
		set[deviceID] = true
	} else {
		delete(set, deviceID)
	}
}

// PairedDevices 密钥库中的设备（不含本机）及在线状态
func (c *Coordinator) PairedDevices(ctx context.Context) ([]PairedDevice, error) {
	ids, err := c.cfg.Keys.DeviceIDs(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PairedDevice, 0, len(ids))
	for _, id := range ids {
		if id == c.cfg.LocalID {
			continue
		}
		d := PairedDevice{DeviceID: id}
		for _, kind := range []transport.Kind{transport.LAN, transport.Cloud} {
			if c.online[kind][id] {
				d.Transports = append(d.Transports, kind)
			}
		}
		d.Online = len(d.Transports) > 0
		out = append(out, d)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// 出站

// LocalChange 本地剪贴板变化入口
func (c *Coordinator) LocalChange(ctx context.Context, p protocol.ClipboardPayload) ([]Result, error) {
	return c.Publish(ctx, Item{
		ID:          uuid.New(),
		ContentType: p.ContentType,
		Data:        p.Data,
		Metadata:    p.Metadata,
		DeviceID:    c.cfg.LocalID,
		DeviceName:  c.cfg.LocalName,
		CreatedAt:   c.cfg.Now(),
	})
}

// Publish 把内容逐个目标加密发送。SkipBroadcast 的内容以及刚从远端应用的内容不会发送
func (c *Coordinator) Publish(ctx context.Context, item Item) ([]Result, error) {
	if !item.ContentType.Valid() {
		return nil, fmt.Errorf("coordinator: unknown content type %q", item.ContentType)
	}
	if item.SkipBroadcast {
		return nil, nil
	}
	if c.echoes.recent(keyOf(item.ContentType, item.Data, "")) {
		c.log.Debugw("echo_suppressed", "content_type", item.ContentType)
		return nil, nil
	}
	// 本地重复上报（多个采集源）同样按来源设备去重
	if !c.seen.admit(keyOf(item.ContentType, item.Data, c.cfg.LocalID)) {
		observe.IncEnvelope("out", "duplicate")
		c.log.Debugw("duplicate_suppressed", "sender", c.cfg.LocalID, "content_type", item.ContentType)
		return nil, nil
	}
	plaintext, err := json.Marshal(protocol.ClipboardPayload{
		ContentType: item.ContentType,
		Data:        item.Data,
		Metadata:    item.Metadata,
	})
	if err != nil {
		return nil, err
	}

	targets := c.Targets()
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if ctx.Err() != nil {
			results = append(results, Result{Target: target, Err: ctx.Err()})
			continue
		}
		r := c.sendTo(ctx, target, item.ContentType, plaintext)
		if r.Err != nil {
			observe.IncEnvelope("out", "failed")
			c.log.Warnw("send_failed", "target", target, "err", r.Err)
		} else {
			observe.IncEnvelope("out", "sent")
		}
		results = append(results, r)
	}
	return results, nil
}

func (c *Coordinator) sendTo(ctx context.Context, target string, ct protocol.ContentType, plaintext []byte) Result {
	res := Result{Target: target}
	key, ok, err := c.cfg.Keys.Load(ctx, target)
	if err != nil {
		res.Err = err
		return res
	}
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrMissingKey, target)
		return res
	}
	sealed, err := crypto.Encrypt(plaintext, key, []byte(c.cfg.LocalID))
	if err != nil {
		res.Err = err
		return res
	}
	env := c.factory.CreateClipboard(target, ct, sealed.Ciphertext, sealed.Nonce, sealed.Tag)
	res.EnvelopeID = env.ID

	c.mu.Lock()
	s, ok := c.senders[target]
	c.mu.Unlock()
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrNoRoute, target)
		return res
	}
	res.Err = s.Send(env)
	return res
}

// ---------------------------------------------------------------------------
// 入站

// HandleFrame 解码后交给 HandleEnvelope
func (c *Coordinator) HandleFrame(ctx context.Context, frame []byte, via transport.Kind) (bool, error) {
	env, err := protocol.Decode(frame)
	if err != nil {
		observe.IncEnvelope("in", "malformed")
		return false, err
	}
	return c.HandleEnvelope(ctx, env, via)
}

// HandleEnvelope 处理一条入站信封，返回内容是否被应用到本地
func (c *Coordinator) HandleEnvelope(ctx context.Context, env *protocol.Envelope, via transport.Kind) (bool, error) {
	sender := env.Payload.DeviceID
	if sender == c.cfg.LocalID {
		return false, nil
	}
	if env.Type == protocol.MsgControl {
		c.handleControl(env)
		return false, nil
	}
	if env.Addressed() && env.Payload.Target != c.cfg.LocalID {
		c.log.Debugw("not_addressed_to_us", "target", env.Payload.Target, "sender", sender)
		return false, nil
	}

	plaintext, err := c.open(ctx, env)
	if err != nil {
		observe.IncEnvelope("in", "rejected")
		return false, err
	}
	var p protocol.ClipboardPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		observe.IncEnvelope("in", "malformed")
		return false, fmt.Errorf("%w: clipboard payload: %v", protocol.ErrMalformedFrame, err)
	}
	if !p.ContentType.Valid() {
		p.ContentType = env.Payload.ContentType
	}

	if !c.seen.admit(keyOf(p.ContentType, p.Data, sender)) {
		observe.IncEnvelope("in", "duplicate")
		c.log.Debugw("duplicate_suppressed", "sender", sender, "id", env.ID)
		return false, nil
	}

	item := Item{
		ID:            env.ID,
		ContentType:   p.ContentType,
		Data:          p.Data,
		Metadata:      p.Metadata,
		DeviceID:      sender,
		DeviceName:    env.Payload.DeviceName,
		CreatedAt:     env.Timestamp,
		SkipBroadcast: true,
		Via:           via,
	}
	c.echoes.mark(keyOf(item.ContentType, item.Data, ""))
	if c.cfg.Applier != nil {
		if err := c.cfg.Applier.Apply(ctx, item); err != nil {
			return false, fmt.Errorf("apply: %w", err)
		}
	}
	observe.IncEnvelope("in", "applied")
	c.log.Infow("applied", "sender", sender, "content_type", item.ContentType, "via", via)
	c.emit(Event{Kind: EventApplied, Item: &item})
	return true, nil
}

func (c *Coordinator) open(ctx context.Context, env *protocol.Envelope) ([]byte, error) {
	sender := env.Payload.DeviceID
	if env.Payload.Encryption.Plaintext() {
		if !c.cfg.AllowPlaintext {
			return nil, ErrPlaintextRejected
		}
		return env.Payload.Ciphertext, nil
	}
	key, ok, err := c.cfg.Keys.Load(ctx, sender)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, sender)
	}
	pt, err := crypto.Decrypt(&crypto.Sealed{
		Ciphertext: env.Payload.Ciphertext,
		Nonce:      env.Payload.Encryption.Nonce,
		Tag:        env.Payload.Encryption.Tag,
	}, key, []byte(sender))
	if err != nil {
		observe.IncDecryptFailure()
		return nil, err
	}
	return pt, nil
}

func (c *Coordinator) handleControl(env *protocol.Envelope) {
	if !env.IsControl(protocol.ActionError) {
		return
	}
	cerr := protocol.ControlError(env)
	c.log.Warnw("delivery_failed", "target", env.Payload.Target, "code", env.Payload.Code, "original_id", env.Payload.OriginalID)
	c.emit(Event{
		Kind:       EventDeliveryFailed,
		Target:     env.Payload.Target,
		Code:       env.Payload.Code,
		OriginalID: env.Payload.OriginalID,
		Err:        cerr,
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
