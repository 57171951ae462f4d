package cluster

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordRoundTrip(t *testing.T) {
	in := Record{Target: "dev-b", Sender: "dev-a", Frame: []byte{0, 0, 0, 2, '{', '}'}, SentAt: time.Unix(0, 1700000000123456789),
		ID: "5f0c1d2e-3a4b-4c5d-8e6f-7a8b9c0d1e2f"}
	var out Record
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in.Target, out.Target)
	assert.Equal(t, in.Sender, out.Sender)
	assert.Equal(t, in.Frame, out.Frame)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.SentAt.Equal(out.SentAt))
}

func TestRecordWithoutID(t *testing.T) {
	// 不带 id 的记录与旧节点的编码一致
	old := (&Record{Target: "t", Sender: "s", Frame: []byte("f")}).Marshal()
	var out Record
	require.NoError(t, out.Unmarshal(old))
	assert.Empty(t, out.ID)
	assert.Len(t, old, 9, "three one-byte fields, no id tag")
}

func TestRecordSkipsUnknownFields(t *testing.T) {
	rec := Record{Target: "t", Frame: []byte("f")}
	b := rec.Marshal()
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	var out Record
	require.NoError(t, out.Unmarshal(b))
	assert.Equal(t, "t", out.Target)
}

func TestRecordRejectsGarbage(t *testing.T) {
	var r Record
	assert.ErrorIs(t, r.Unmarshal([]byte{0xff, 0xff, 0xff}), ErrBadRecord)
	assert.ErrorIs(t, r.Unmarshal(nil), ErrBadRecord)
	truncated := (&Record{Target: "t", Frame: []byte("frame")}).Marshal()
	assert.ErrorIs(t, r.Unmarshal(truncated[:len(truncated)-2]), ErrBadRecord)
}

// 以下测试需要真实 Redis：CLIPSYNC_TEST_REDIS=localhost:6379
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CLIPSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("CLIPSYNC_TEST_REDIS not set")
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestPresenceCompareAndDelete(t *testing.T) {
	cli := testRedis(t)
	ctx := context.Background()
	c := New(cli, "node-"+uuid.NewString(), time.Minute)
	dev := "dev-" + uuid.NewString()
	t.Cleanup(func() { cli.Del(ctx, presenceKey(dev)) })

	require.NoError(t, c.Claim(ctx, dev, 1))
	require.NoError(t, c.Claim(ctx, dev, 2))

	ok, err := c.Release(ctx, dev, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stale token must not delete the newer claim")
	ok, err = c.Refresh(ctx, dev, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, present, err := c.Owner(ctx, dev)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, c.NodeID(), owner)

	ok, err = c.Refresh(ctx, dev, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Release(ctx, dev, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	_, present, err = c.Owner(ctx, dev)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestForwardBetweenNodes(t *testing.T) {
	cli := testRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a := New(cli, "node-a-"+uuid.NewString(), time.Minute)
	b := New(cli, "node-b-"+uuid.NewString(), time.Minute)
	dev := "dev-" + uuid.NewString()
	t.Cleanup(func() {
		cli.Del(context.Background(), presenceKey(dev), streamKey(a.NodeID()), streamKey(b.NodeID()))
	})

	assert.ErrorIs(t, a.Forward(ctx, Record{Target: dev, Frame: []byte("x")}), ErrNotPresent)

	require.NoError(t, b.EnsureGroup(ctx))
	require.NoError(t, b.Claim(ctx, dev, 7))
	assert.ErrorIs(t, b.Forward(ctx, Record{Target: dev, Frame: []byte("x")}), ErrNotPresent, "local device is not forwarded")
	require.NoError(t, a.Forward(ctx, Record{Target: dev, Sender: "dev-a", Frame: []byte("hello")}))

	got := make(chan Record, 1)
	go func() {
		_ = b.Consume(ctx, func(_ context.Context, rec Record) error {
			got <- rec
			return nil
		})
	}()
	select {
	case rec := <-got:
		assert.Equal(t, dev, rec.Target)
		assert.Equal(t, "dev-a", rec.Sender)
		assert.Equal(t, []byte("hello"), rec.Frame)
	case <-ctx.Done():
		t.Fatal("record not consumed")
	}
}
