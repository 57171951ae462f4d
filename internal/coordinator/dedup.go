package coordinator

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/hongjun500/clipsync/internal/protocol"
)

// contentKey 去重键：内容类型 + 内容哈希 + 来源设备
type contentKey struct {
	contentType protocol.ContentType
	sum         [sha256.Size]byte
	deviceID    string
}

func keyOf(ct protocol.ContentType, data []byte, deviceID string) contentKey {
	return contentKey{contentType: ct, sum: sha256.Sum256(data), deviceID: deviceID}
}

// window 限时去重表，窗口内重复出现的键被拒绝；过期条目在写入时顺带清理
type window struct {
	mu      sync.Mutex
	span    time.Duration
	now     func() time.Time
	entries map[contentKey]time.Time
}

func newWindow(span time.Duration, now func() time.Time) *window {
	return &window{span: span, now: now, entries: make(map[contentKey]time.Time)}
}

// admit 首次出现或已超出窗口时记录并返回 true
func (w *window) admit(k contentKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if seen, ok := w.entries[k]; ok && now.Sub(seen) < w.span {
		return false
	}
	w.entries[k] = now
	w.pruneLocked(now)
	return true
}

// recent 键在窗口内出现过，不记录
func (w *window) recent(k contentKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen, ok := w.entries[k]
	return ok && w.now().Sub(seen) < w.span
}

// mark 无条件刷新键的时间
func (w *window) mark(k contentKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.entries[k] = now
	w.pruneLocked(now)
}

func (w *window) pruneLocked(now time.Time) {
	for k, t := range w.entries {
		if now.Sub(t) >= w.span {
			delete(w.entries, k)
		}
	}
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
