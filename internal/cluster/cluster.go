// Package cluster 多个中继节点通过 Redis 协作：
// 设备在线信息 clipsync:device:<id> → <node>/<token>，带 TTL，会话存活期间续期；
// 发往其他节点上设备的帧写入该节点的 stream clipsync:node:<node>。
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hongjun500/clipsync/internal/observe"
	"github.com/hongjun500/clipsync/pkg/logger"
)

var (
	// ErrNotPresent 设备不在任何其他节点上
	ErrNotPresent = errors.New("cluster: device not present on another node")
)

const (
	group      = "relay"
	fieldRec   = "rec"
	streamMax  = 10000
	readBlock  = 5 * time.Second
	readCount  = 100
	defaultTTL = 90 * time.Second
)

// 仅当值仍属于本次会话时才续期或删除，避免误删新会话的在线信息
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

func presenceKey(deviceID string) string { return "clipsync:device:" + deviceID }
func streamKey(node string) string       { return "clipsync:node:" + node }

type Cluster struct {
	cli  *redis.Client
	node string
	ttl  time.Duration
	log  *zap.SugaredLogger
}

func New(cli *redis.Client, nodeID string, ttl time.Duration) *Cluster {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cluster{
		cli:  cli,
		node: nodeID,
		ttl:  ttl,
		log:  logger.S("cluster").With("node", nodeID),
	}
}

// Dial 连接 Redis 并确认可用
func Dial(ctx context.Context, addr string, db int, nodeID string, ttl time.Duration) (*Cluster, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cluster: ping %s: %w", addr, err)
	}
	return New(cli, nodeID, ttl), nil
}

func (c *Cluster) NodeID() string     { return c.node }
func (c *Cluster) TTL() time.Duration { return c.ttl }
func (c *Cluster) Close() error       { return c.cli.Close() }

func (c *Cluster) value(token uint64) string {
	return c.node + "/" + strconv.FormatUint(token, 10)
}

// Claim 记录设备在本节点在线，覆盖旧值
func (c *Cluster) Claim(ctx context.Context, deviceID string, token uint64) error {
	return c.cli.Set(ctx, presenceKey(deviceID), c.value(token), c.ttl).Err()
}

// Refresh 续期；返回 false 表示在线信息已被其他会话接管
func (c *Cluster) Refresh(ctx context.Context, deviceID string, token uint64) (bool, error) {
	n, err := refreshScript.Run(ctx, c.cli, []string{presenceKey(deviceID)}, c.value(token), c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release 仅当在线信息仍属于该 token 时删除
func (c *Cluster) Release(ctx context.Context, deviceID string, token uint64) (bool, error) {
	n, err := releaseScript.Run(ctx, c.cli, []string{presenceKey(deviceID)}, c.value(token)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Owner 设备所在节点
func (c *Cluster) Owner(ctx context.Context, deviceID string) (string, bool, error) {
	v, err := c.cli.Get(ctx, presenceKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	node, _, _ := strings.Cut(v, "/")
	return node, node != "", nil
}

// Forward 把帧写入目标设备所在节点的 stream；设备不在其他节点时返回 ErrNotPresent
func (c *Cluster) Forward(ctx context.Context, rec Record) error {
	owner, ok, err := c.Owner(ctx, rec.Target)
	if err != nil {
		observe.IncClusterForward("error")
		return err
	}
	if !ok || owner == c.node {
		observe.IncClusterForward("absent")
		return ErrNotPresent
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	err = c.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(owner),
		MaxLen: streamMax,
		Approx: true,
		Values: map[string]any{fieldRec: rec.Marshal()},
	}).Err()
	if err != nil {
		observe.IncClusterForward("error")
		return err
	}
	observe.IncClusterForward("forwarded")
	c.log.Debugw("forwarded", "target", rec.Target, "owner", owner)
	return nil
}

// EnsureGroup 创建本节点 stream 及消费组，已存在时忽略
func (c *Cluster) EnsureGroup(ctx context.Context) error {
	err := c.cli.XGroupCreateMkStream(ctx, streamKey(c.node), group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

type Handler func(ctx context.Context, rec Record) error

// Consume 阻塞读取本节点 stream 并交给 handler，ctx 取消时返回
func (c *Cluster) Consume(ctx context.Context, handler Handler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	stream := streamKey(c.node)
	for {
		res, err := c.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.node,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnw("xreadgroup_error", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, str := range res {
			for _, msg := range str.Messages {
				raw, _ := msg.Values[fieldRec].(string)
				var rec Record
				if err := rec.Unmarshal([]byte(raw)); err != nil {
					c.log.Warnw("bad_record", "id", msg.ID, "err", err)
				} else if err := handler(ctx, rec); err != nil {
					c.log.Debugw("record_not_delivered", "target", rec.Target, "err", err)
				}
				_ = c.cli.XAck(ctx, stream, group, msg.ID).Err()
			}
		}
	}
}
