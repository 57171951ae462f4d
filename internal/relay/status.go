package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hongjun500/clipsync/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) uptime() int64 { return int64(time.Since(s.started).Seconds()) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.opt.Version,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": s.uptime(),
		"connections":    s.router.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.router.ConnectedDevices()
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	body := map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": s.uptime(),
		"connections": map[string]any{
			"active":  len(devices),
			"devices": ids,
		},
		"messages": map[string]any{"processed": s.processed.Load()},
		"errors":   map[string]any{"count": s.failures.Load()},
		"keys":     map[string]any{"registered": s.keys.Len()},
	}
	if s.opt.Cluster != nil {
		body["cluster"] = map[string]any{"node": s.opt.Cluster.NodeID()}
	}
	writeJSON(w, http.StatusOK, body)
}

// handlePeers 按 device_id 精确过滤已连接设备，可重复传入多个
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query()["device_id"]
	if len(requested) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id query parameter is required"})
		return
	}
	want := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		want[id] = struct{}{}
	}
	out := make([]session.DeviceInfo, 0, len(requested))
	for _, d := range s.router.ConnectedDevices() {
		if _, ok := want[d.DeviceID]; ok {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected_devices": out})
}
