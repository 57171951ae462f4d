package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hongjun500/clipsync/internal/transport"
)

const (
	presenceTimeout = 3 * time.Second
	presenceEvery   = 15 * time.Second
	maxPresenceBody = 1 << 20
)

var errPresenceURL = errors.New("agent: cannot derive relay peers url")

// peersURL 由中继的 ws(s)://host/ws 推出 http(s)://host/peers?device_id=...
func peersURL(cloudURL string, ids []string) (string, error) {
	u, err := url.Parse(cloudURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errPresenceURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", errPresenceURL, u.Scheme)
	}
	base := strings.TrimSuffix(u.Path, "/")
	base = strings.TrimSuffix(base, "/ws")
	u.Path = base + "/peers"
	q := url.Values{}
	for _, id := range ids {
		q.Add("device_id", id)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// cloudPeers 询问中继 ids 中哪些设备当前连在中继上
func (a *Agent) cloudPeers(ctx context.Context, ids []string) (map[string]bool, error) {
	target, err := peersURL(a.cfg.CloudURL, ids)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPresenceBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent: relay peers: %s", resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("agent: relay peers: invalid json")
	}
	online := make(map[string]bool, len(ids))
	gjson.GetBytes(body, "connected_devices.#.device_id").ForEach(func(_, v gjson.Result) bool {
		online[v.String()] = true
		return true
	})
	return online, nil
}

// watchPresence 云端在线状态以中继列出的已连接设备为准，定时或被 kickPresence 唤醒时刷新
func (a *Agent) watchPresence(ctx context.Context) {
	every := a.cfg.PresenceEvery
	if every <= 0 {
		every = presenceEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		a.refreshPresence(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.presenceKick:
		}
	}
}

func (a *Agent) refreshPresence(ctx context.Context) {
	targets := a.coord.Targets()
	if len(targets) == 0 {
		return
	}
	var online map[string]bool
	// 本机不在中继上时无从得知
	if a.cloud.connected() {
		got, err := a.cloudPeers(ctx, targets)
		switch {
		case err == nil:
			online = got
		case ctx.Err() != nil:
			return
		default:
			a.log.Debugw("presence_query_failed", "err", err)
		}
	}
	for _, id := range targets {
		a.coord.SetTransportOnline(id, transport.Cloud, online[id])
	}
}

func (a *Agent) kickPresence() {
	select {
	case a.presenceKick <- struct{}{}:
	default:
	}
}
