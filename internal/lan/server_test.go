package lan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/clipsync/internal/protocol"
	"github.com/hongjun500/clipsync/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	opened []string
	closed []string
	envs   chan *protocol.Envelope
}

func newRecorder() *recorder { return &recorder{envs: make(chan *protocol.Envelope, 16)} }

func (r *recorder) OnSessionOpen(p transport.Identity) {
	r.mu.Lock()
	r.opened = append(r.opened, p.DeviceID)
	r.mu.Unlock()
}

func (r *recorder) OnEnvelope(_ transport.Identity, env *protocol.Envelope) { r.envs <- env }

func (r *recorder) OnSessionClose(p transport.Identity, _ error) {
	r.mu.Lock()
	r.closed = append(r.closed, p.DeviceID)
	r.mu.Unlock()
}

func (r *recorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func start(t *testing.T) (*Server, *recorder, string) {
	t.Helper()
	rec := newRecorder()
	s := NewServer(Config{Local: transport.Identity{DeviceID: "dev-local", Platform: "linux", Name: "box"}}, rec)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, rec, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, deviceID string) *transport.Conn {
	t.Helper()
	c, err := transport.Dial(context.Background(), transport.DialConfig{
		URL:      url,
		Kind:     transport.LAN,
		Identity: transport.Identity{DeviceID: deviceID, Platform: "darwin"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Equal(t, transport.EventOpened, (<-c.Events()).Kind)
	return c
}

func send(t *testing.T, c *transport.Conn, env *protocol.Envelope) {
	t.Helper()
	frame, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, c.Send(frame))
}

func TestEnvelopeReachesGateway(t *testing.T) {
	s, rec, url := start(t)
	c := dial(t, url, "dev-peer")
	assert.Equal(t, "dev-local", c.Peer().DeviceID)
	require.Eventually(t, func() bool { return s.Router().IsRegistered("dev-peer") }, time.Second, 10*time.Millisecond)

	env := protocol.NewMessageFactory("dev-peer", "").CreateClipboard("dev-local", protocol.ContentText,
		[]byte("x"), make([]byte, protocol.NonceSize), make([]byte, protocol.TagSize))
	send(t, c, env)

	select {
	case got := <-rec.envs:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestHeartbeatAnswered(t *testing.T) {
	_, _, url := start(t)
	c := dial(t, url, "dev-peer")
	hb := protocol.NewMessageFactory("dev-peer", "").CreateHeartbeat()
	send(t, c, hb)

	select {
	case ev := <-c.Events():
		require.Equal(t, transport.EventFrame, ev.Kind)
		ack, err := protocol.Decode(ev.Frame)
		require.NoError(t, err)
		assert.True(t, ack.IsControl(protocol.ActionHeartbeatAck))
		assert.Equal(t, hb.ID.String(), ack.Payload.OriginalID)
		assert.Equal(t, "dev-local", ack.Payload.DeviceID)
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat ack")
	}
}

func TestSpoofedSenderDropped(t *testing.T) {
	_, rec, url := start(t)
	c := dial(t, url, "dev-peer")
	send(t, c, protocol.NewMessageFactory("dev-other", "").CreateHeartbeat())
	send(t, c, protocol.NewMessageFactory("dev-other", "").CreateDeregisterKey())
	select {
	case env := <-rec.envs:
		t.Fatalf("unexpected envelope %v", env.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendBinaryAndClose(t *testing.T) {
	s, rec, url := start(t)
	c := dial(t, url, "dev-peer")
	require.Eventually(t, func() bool { return s.Router().IsRegistered("dev-peer") }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.SendBinary("dev-peer", protocol.Frame([]byte(`{}`))))
	ev := <-c.Events()
	require.Equal(t, transport.EventFrame, ev.Kind)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return rec.closedCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.Router().IsRegistered("dev-peer"))
}

func TestMissingIdentityRejected(t *testing.T) {
	s := NewServer(Config{Local: transport.Identity{DeviceID: "dev-local", Platform: "linux"}}, newRecorder())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
