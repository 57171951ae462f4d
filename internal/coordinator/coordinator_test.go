package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/clipsync/internal/crypto"
	"github.com/hongjun500/clipsync/internal/keystore"
	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
	err  error
}

func (s *recordingSender) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSender) sent() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.envs...)
}

type recordingApplier struct {
	mu    sync.Mutex
	items []Item
}

func (a *recordingApplier) Apply(_ context.Context, item Item) error {
	a.mu.Lock()
	a.items = append(a.items, item)
	a.mu.Unlock()
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

func testKey(t *testing.T, seed byte) []byte {
	t.Helper()
	k := make([]byte, crypto.KeySize)
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

// pair 构造两个共享同一密钥的协调器
func pair(t *testing.T, clock *fakeClock) (a, b *Coordinator, toB *recordingSender, applied *recordingApplier) {
	t.Helper()
	ctx := context.Background()
	key := testKey(t, 1)
	applied = &recordingApplier{}

	a = New(Config{LocalID: "dev-a", LocalName: "A", Keys: keystore.NewMemoryStore(), Now: clock.Now})
	b = New(Config{LocalID: "dev-b", LocalName: "B", Keys: keystore.NewMemoryStore(), Now: clock.Now, Applier: applied})
	require.NoError(t, a.Pair(ctx, "dev-b", key))
	require.NoError(t, b.Pair(ctx, "dev-a", key))
	require.NoError(t, a.AddManualTarget(ctx, "dev-b"))
	require.NoError(t, b.AddManualTarget(ctx, "dev-a"))
	toB = &recordingSender{}
	a.Attach("dev-b", toB)
	return a, b, toB, applied
}

func text(s string) protocol.ClipboardPayload {
	return protocol.ClipboardPayload{ContentType: protocol.ContentText, Data: []byte(s)}
}

func TestTargetsRequireKeyAndExcludeLocal(t *testing.T) {
	ctx := context.Background()
	keys := keystore.NewMemoryStore()
	require.NoError(t, keys.Save(ctx, "dev-b", testKey(t, 1)))
	require.NoError(t, keys.Save(ctx, "dev-a", testKey(t, 2)))
	c := New(Config{LocalID: "dev-a", Keys: keys})

	require.NoError(t, c.SetDiscovered(ctx, []string{"dev-a", "dev-b", "dev-unpaired"}))
	assert.Equal(t, []string{"dev-b"}, c.Targets())

	require.NoError(t, c.AddManualTarget(ctx, "dev-c"))
	assert.Equal(t, []string{"dev-b"}, c.Targets(), "manual target without key is filtered")

	require.NoError(t, c.Pair(ctx, "dev-c", testKey(t, 3)))
	assert.Equal(t, []string{"dev-b", "dev-c"}, c.Targets())

	require.NoError(t, c.Unpair(ctx, "dev-b"))
	assert.Equal(t, []string{"dev-c"}, c.Targets())

	var last []string
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == EventTargetsChanged {
				last = ev.Targets
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{"dev-c"}, last)
}

func TestLocalChangeEncryptsForTarget(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, b, toB, applied := pair(t, clock)
	ctx := context.Background()

	results, err := a.LocalChange(ctx, text("hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dev-b", results[0].Target)
	require.NoError(t, results[0].Err)

	sent := toB.sent()
	require.Len(t, sent, 1)
	env := sent[0]
	assert.Equal(t, "dev-b", env.Payload.Target)
	assert.Equal(t, "dev-a", env.Payload.DeviceID)
	assert.False(t, env.Payload.Encryption.Plaintext())
	assert.NotContains(t, string(env.Payload.Ciphertext), "hello")

	ok, err := b.HandleEnvelope(ctx, env, transport.Cloud)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Equal(t, 1, applied.count())
	item := applied.items[0]
	assert.Equal(t, []byte("hello"), item.Data)
	assert.Equal(t, "dev-a", item.DeviceID)
	assert.Equal(t, "A", item.DeviceName)
	assert.True(t, item.SkipBroadcast)
	assert.Equal(t, transport.Cloud, item.Via)
}

func TestDedupWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, b, toB, applied := pair(t, clock)
	ctx := context.Background()

	deliver := func() bool {
		_, err := a.LocalChange(ctx, text("same"))
		require.NoError(t, err)
		sent := toB.sent()
		ok, err := b.HandleEnvelope(ctx, sent[len(sent)-1], transport.LAN)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, deliver())
	clock.Advance(2 * time.Second)
	assert.False(t, deliver(), "same content 2s later is a duplicate")
	clock.Advance(4 * time.Second)
	assert.True(t, deliver(), "6s after the first it is accepted again")
	assert.Equal(t, 2, applied.count())
}

func TestLocalDuplicatesAreSentOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, _, toB, _ := pair(t, clock)
	ctx := context.Background()

	results, err := a.LocalChange(ctx, text("same"))
	require.NoError(t, err)
	assert.Len(t, results, 1)

	clock.Advance(2 * time.Second)
	results, err = a.LocalChange(ctx, text("same"))
	require.NoError(t, err)
	assert.Empty(t, results, "reported twice within the window")
	assert.Len(t, toB.sent(), 1)

	results, err = a.LocalChange(ctx, text("other"))
	require.NoError(t, err)
	assert.Len(t, results, 1)

	clock.Advance(4 * time.Second)
	results, err = a.LocalChange(ctx, text("same"))
	require.NoError(t, err)
	assert.Len(t, results, 1, "6s after the first report it goes out again")
	assert.Len(t, toB.sent(), 3)
}

func TestDedupIsPerSender(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	ctx := context.Background()
	key := testKey(t, 5)
	applied := &recordingApplier{}
	b := New(Config{LocalID: "dev-b", Keys: keystore.NewMemoryStore(), Now: clock.Now, Applier: applied})
	require.NoError(t, b.Pair(ctx, "dev-a", key))
	require.NoError(t, b.Pair(ctx, "dev-c", key))

	for _, from := range []string{"dev-a", "dev-c"} {
		s := &recordingSender{}
		src := New(Config{LocalID: from, Keys: keystore.NewMemoryStore(), Now: clock.Now})
		require.NoError(t, src.Pair(ctx, "dev-b", key))
		require.NoError(t, src.AddManualTarget(ctx, "dev-b"))
		src.Attach("dev-b", s)
		_, err := src.LocalChange(ctx, text("shared"))
		require.NoError(t, err)
		ok, err := b.HandleEnvelope(ctx, s.sent()[0], transport.LAN)
		require.NoError(t, err)
		assert.True(t, ok, "from %s", from)
	}
	assert.Equal(t, 2, applied.count())
}

func TestAppliedContentIsNotEchoed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, b, toB, _ := pair(t, clock)
	ctx := context.Background()
	toA := &recordingSender{}
	b.Attach("dev-a", toA)

	_, err := a.LocalChange(ctx, text("ping"))
	require.NoError(t, err)
	ok, err := b.HandleEnvelope(ctx, toB.sent()[0], transport.LAN)
	require.NoError(t, err)
	require.True(t, ok)

	// 本地剪贴板观察到刚写入的内容
	results, err := b.LocalChange(ctx, text("ping"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, toA.sent())

	results, err = b.Publish(ctx, Item{ContentType: protocol.ContentText, Data: []byte("other"), SkipBroadcast: true})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = b.LocalChange(ctx, text("fresh"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, toA.sent(), 1)
}

func TestMissingKeyAndAuthFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, _, toB, _ := pair(t, clock)
	ctx := context.Background()
	_, err := a.LocalChange(ctx, text("secret"))
	require.NoError(t, err)
	env := toB.sent()[0]

	unpaired := New(Config{LocalID: "dev-b", Keys: keystore.NewMemoryStore(), Now: clock.Now})
	_, err = unpaired.HandleEnvelope(ctx, env, transport.LAN)
	assert.ErrorIs(t, err, ErrMissingKey)

	wrong := New(Config{LocalID: "dev-b", Keys: keystore.NewMemoryStore(), Now: clock.Now})
	require.NoError(t, wrong.Pair(ctx, "dev-a", testKey(t, 9)))
	_, err = wrong.HandleEnvelope(ctx, env, transport.LAN)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailure)
}

func TestPerTargetOutcomesAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := New(Config{LocalID: "dev-a", Keys: keystore.NewMemoryStore()})
	for i, id := range []string{"dev-b", "dev-c", "dev-d"} {
		require.NoError(t, c.Pair(ctx, id, testKey(t, byte(i))))
		require.NoError(t, c.AddManualTarget(ctx, id))
	}
	okSender := &recordingSender{}
	c.Attach("dev-b", okSender)
	c.Attach("dev-c", &recordingSender{err: errors.New("queue full")})

	results, err := c.LocalChange(ctx, text("x"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "queue full")
	assert.ErrorIs(t, results[2].Err, ErrNoRoute)
	assert.Len(t, okSender.sent(), 1)
}

func TestIgnoresSelfAndForeignTargets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a, _, toB, _ := pair(t, clock)
	ctx := context.Background()
	_, err := a.LocalChange(ctx, text("mine"))
	require.NoError(t, err)
	env := toB.sent()[0]

	ok, err := a.HandleEnvelope(ctx, env, transport.LAN)
	assert.NoError(t, err)
	assert.False(t, ok, "own envelope")

	other := New(Config{LocalID: "dev-z", Keys: keystore.NewMemoryStore(), Now: clock.Now})
	ok, err = other.HandleEnvelope(ctx, env, transport.LAN)
	assert.NoError(t, err)
	assert.False(t, ok, "addressed to someone else")
}

func TestRoutingErrorBecomesDeliveryFailed(t *testing.T) {
	ctx := context.Background()
	c := New(Config{LocalID: "dev-a"})
	relay := protocol.NewMessageFactory("relay", "")
	env := relay.CreateRoutingError("dev-b", "orig-1", protocol.CodeDeviceNotConnected, "device dev-b is not connected")

	ok, err := c.HandleEnvelope(ctx, env, transport.Cloud)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventDeliveryFailed, ev.Kind)
		assert.Equal(t, "dev-b", ev.Target)
		assert.Equal(t, protocol.CodeDeviceNotConnected, ev.Code)
		assert.Equal(t, "orig-1", ev.OriginalID)
		require.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("no delivery_failed event")
	}
}

func TestPlaintextPolicy(t *testing.T) {
	ctx := context.Background()
	src := protocol.NewMessageFactory("dev-a", "A")
	body := []byte(`{"content_type":"text","data_base64":"aGk=","metadata":{}}`)
	env := src.CreateClipboard("", protocol.ContentText, body, nil, nil)

	strict := New(Config{LocalID: "dev-b"})
	_, err := strict.HandleEnvelope(ctx, env, transport.Cloud)
	assert.ErrorIs(t, err, ErrPlaintextRejected)

	applied := &recordingApplier{}
	lax := New(Config{LocalID: "dev-b", AllowPlaintext: true, Applier: applied})
	ok, err := lax.HandleEnvelope(ctx, env, transport.Cloud)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hi"), applied.items[0].Data)
}

func TestPairedDevicesOnline(t *testing.T) {
	ctx := context.Background()
	c := New(Config{LocalID: "dev-a"})
	require.NoError(t, c.Pair(ctx, "dev-b", testKey(t, 1)))
	require.NoError(t, c.Pair(ctx, "dev-c", testKey(t, 2)))

	c.SetTransportOnline("dev-b", transport.LAN, true)
	c.SetTransportOnline("dev-b", transport.Cloud, true)
	c.SetTransportOnline("dev-c", transport.Cloud, true)
	c.SetTransportOnline("dev-c", transport.Cloud, false)

	devices, err := c.PairedDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Online)
	assert.Equal(t, []transport.Kind{transport.LAN, transport.Cloud}, devices[0].Transports)
	assert.False(t, devices[1].Online)
}
