package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RelayConfig 云端中继配置
type RelayConfig struct {
	Addr        string
	JWTSecret   string
	RequireAuth bool
	RedisAddr   string
	RedisDB     int
	NodeID      string
	OutBuffer   int
	RatePerSec  float64
	RateBurst   int
	MaxFrame    int
	IdleTimeout time.Duration
	PresenceTTL time.Duration
}

// AgentConfig 设备端配置
type AgentConfig struct {
	DeviceID     string
	DeviceName   string
	Platform     string
	CloudURL     string
	LanAddr      string
	Keystore     string
	Token        string
	MetricsAddr  string
	Peers        []PeerAddr
	LanTimeout   time.Duration
	CloudTimeout time.Duration
	Heartbeat    time.Duration
	AckTimeout   time.Duration
	IdleTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Jitter       float64
	MaxAttempts  int
	DedupWindow  time.Duration
	Plaintext    bool

	// PresenceEvery 向中继查询对端是否在线的间隔
	PresenceEvery time.Duration
}

// PeerAddr 手工配置的对端，格式 device_id@host:port；只写 device_id 时 Host 为空，只能经中继到达
type PeerAddr struct {
	DeviceID string
	Host     string
	Port     int
}

var (
	ErrMissingDeviceID = errors.New("config: device id is required")
	ErrMissingSecret   = errors.New("config: jwt secret is required when auth is enabled")
)

// LoadDotenv 读取可选的 .env 文件；文件不存在时静默忽略
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

func LoadRelay() *RelayConfig {
	return &RelayConfig{
		Addr:        getEnv("CLIPSYNC_RELAY_ADDR", ":8080"),
		JWTSecret:   getEnv("CLIPSYNC_JWT_SECRET", ""),
		RequireAuth: getBool("CLIPSYNC_REQUIRE_AUTH", false),
		RedisAddr:   getEnv("CLIPSYNC_REDIS_ADDR", ""),
		RedisDB:     getInt("CLIPSYNC_REDIS_DB", 0),
		NodeID:      getEnv("CLIPSYNC_NODE_ID", ""),
		OutBuffer:   getInt("CLIPSYNC_OUTBUF", 256),
		RatePerSec:  getFloat("CLIPSYNC_RATE_PER_SEC", 20),
		RateBurst:   getInt("CLIPSYNC_RATE_BURST", 40),
		MaxFrame:    getInt("CLIPSYNC_MAX_FRAME", 256*1024),
		IdleTimeout: getDuration("CLIPSYNC_IDLE_TIMEOUT", 90*time.Second),
		PresenceTTL: getDuration("CLIPSYNC_PRESENCE_TTL", 60*time.Second),
	}
}

func (c *RelayConfig) Validate() error {
	if c.RequireAuth && c.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.OutBuffer <= 0 {
		return fmt.Errorf("config: outbuf must be positive, got %d", c.OutBuffer)
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("config: rate limit must be positive (rate=%v burst=%d)", c.RatePerSec, c.RateBurst)
	}
	return nil
}

func LoadAgent() (*AgentConfig, error) {
	host, _ := os.Hostname()
	peers, err := ParsePeers(getEnv("CLIPSYNC_PEERS", ""))
	if err != nil {
		return nil, err
	}
	return &AgentConfig{
		DeviceID:     getEnv("CLIPSYNC_DEVICE_ID", ""),
		DeviceName:   getEnv("CLIPSYNC_DEVICE_NAME", host),
		Platform:     getEnv("CLIPSYNC_PLATFORM", "linux"),
		CloudURL:     getEnv("CLIPSYNC_CLOUD_URL", ""),
		LanAddr:      getEnv("CLIPSYNC_LAN_ADDR", ":7010"),
		Keystore:     getEnv("CLIPSYNC_KEYSTORE", ""),
		Token:        getEnv("CLIPSYNC_TOKEN", ""),
		MetricsAddr:  getEnv("CLIPSYNC_METRICS_ADDR", ""),
		Peers:        peers,
		LanTimeout:   getDuration("CLIPSYNC_LAN_TIMEOUT", 3*time.Second),
		CloudTimeout: getDuration("CLIPSYNC_CLOUD_TIMEOUT", 10*time.Second),
		Heartbeat:    getDuration("CLIPSYNC_HEARTBEAT", 30*time.Second),
		AckTimeout:   getDuration("CLIPSYNC_ACK_TIMEOUT", 5*time.Second),
		IdleTimeout:  getDuration("CLIPSYNC_IDLE_TIMEOUT", 90*time.Second),
		BackoffBase:  getDuration("CLIPSYNC_BACKOFF_BASE", 2*time.Second),
		BackoffMax:   getDuration("CLIPSYNC_BACKOFF_MAX", 60*time.Second),
		Jitter:       getFloat("CLIPSYNC_BACKOFF_JITTER", 0.2),
		MaxAttempts:  getInt("CLIPSYNC_MAX_ATTEMPTS", 10),
		DedupWindow:  getDuration("CLIPSYNC_DEDUP_WINDOW", 5*time.Second),
		Plaintext:    getBool("CLIPSYNC_ALLOW_PLAINTEXT", false),

		PresenceEvery: getDuration("CLIPSYNC_PRESENCE_INTERVAL", 15*time.Second),
	}, nil
}

func (c *AgentConfig) Validate() error {
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("config: jitter must be in [0,1), got %v", c.Jitter)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("config: invalid backoff range %s..%s", c.BackoffBase, c.BackoffMax)
	}
	return nil
}

// ParsePeers 解析逗号分隔的 device_id[@host:port] 列表，IPv6 地址写成 [::1]:7010
func ParsePeers(s string) ([]PeerAddr, error) {
	var out []PeerAddr
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, addr, hasAddr := strings.Cut(item, "@")
		if id == "" {
			return nil, fmt.Errorf("config: bad peer %q, want device_id[@host:port]", item)
		}
		if !hasAddr {
			out = append(out, PeerAddr{DeviceID: id})
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil || host == "" {
			return nil, fmt.Errorf("config: bad peer address %q", addr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: bad peer port %q", portStr)
		}
		out = append(out, PeerAddr{DeviceID: id, Host: host, Port: port})
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || v < 0 {
		return def
	}
	return v
}
