package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayDefaults(t *testing.T) {
	c := LoadRelay()
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, 256, c.OutBuffer)
	assert.Equal(t, float64(20), c.RatePerSec)
	assert.Equal(t, 40, c.RateBurst)
	assert.Equal(t, 256*1024, c.MaxFrame)
	assert.NoError(t, c.Validate())
}

func TestLoadRelayEnv(t *testing.T) {
	t.Setenv("CLIPSYNC_RELAY_ADDR", ":9999")
	t.Setenv("CLIPSYNC_REQUIRE_AUTH", "true")
	t.Setenv("CLIPSYNC_RATE_PER_SEC", "2.5")
	t.Setenv("CLIPSYNC_OUTBUF", "not-a-number")

	c := LoadRelay()
	assert.Equal(t, ":9999", c.Addr)
	assert.True(t, c.RequireAuth)
	assert.Equal(t, 2.5, c.RatePerSec)
	assert.Equal(t, 256, c.OutBuffer)
	assert.ErrorIs(t, c.Validate(), ErrMissingSecret)
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("CLIPSYNC_DEVICE_ID", "c7bd3f0e-1111-4a2b-9c3d-000000000001")
	t.Setenv("CLIPSYNC_PEERS", "peer-a@192.168.1.10:7010, peer-b@host.local:7011")
	t.Setenv("CLIPSYNC_LAN_TIMEOUT", "500ms")

	c, err := LoadAgent()
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, 500*time.Millisecond, c.LanTimeout)
	assert.Equal(t, 30*time.Second, c.Heartbeat)
	assert.Equal(t, 5*time.Second, c.AckTimeout)
	assert.Equal(t, 5*time.Second, c.DedupWindow)
	assert.Equal(t, 15*time.Second, c.PresenceEvery)
	require.Len(t, c.Peers, 2)
	assert.Equal(t, PeerAddr{DeviceID: "peer-b", Host: "host.local", Port: 7011}, c.Peers[1])
}

func TestAgentValidate(t *testing.T) {
	c := &AgentConfig{BackoffBase: time.Second, BackoffMax: time.Minute}
	assert.ErrorIs(t, c.Validate(), ErrMissingDeviceID)

	c.DeviceID = "dev"
	c.Jitter = 1.5
	assert.Error(t, c.Validate())
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("laptop@[::1]:7010, phone, desk@10.0.0.2:7011")
	require.NoError(t, err)
	assert.Equal(t, []PeerAddr{
		{DeviceID: "laptop", Host: "::1", Port: 7010},
		{DeviceID: "phone"},
		{DeviceID: "desk", Host: "10.0.0.2", Port: 7011},
	}, peers)
}

func TestParsePeersRejectsGarbage(t *testing.T) {
	for _, in := range []string{"id@host", "id@host:abc", "@host:1", "id@:80", "id@::1:7010", "@"} {
		_, err := ParsePeers(in)
		assert.Error(t, err, in)
	}
	peers, err := ParsePeers("")
	assert.NoError(t, err)
	assert.Empty(t, peers)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(p, []byte("CLIPSYNC_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CLIPSYNC_TEST_DOTENV") })

	require.NoError(t, LoadDotenv(filepath.Join(dir, "missing.env"), p))
	assert.Equal(t, "from-file", os.Getenv("CLIPSYNC_TEST_DOTENV"))
}
