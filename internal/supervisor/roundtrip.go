package supervisor

import (
	"sync"
	"time"

	"github.com/hongjun500/clipsync/internal/observe"
)

// roundTrips 记录已发送信封的发送时间，只用于时延指标，超过 ttl 的记录在心跳周期内清理
type roundTrips struct {
	mu     sync.Mutex
	ttl    time.Duration
	sentAt map[string]time.Time
}

func newRoundTrips(ttl time.Duration) *roundTrips {
	return &roundTrips{ttl: ttl, sentAt: make(map[string]time.Time)}
}

func (r *roundTrips) add(id string) {
	r.mu.Lock()
	r.sentAt[id] = time.Now()
	r.mu.Unlock()
}

// ack 收到确认时记录往返时延；未知 id 忽略
func (r *roundTrips) ack(id string) {
	r.mu.Lock()
	sent, ok := r.sentAt[id]
	delete(r.sentAt, id)
	r.mu.Unlock()
	if ok {
		observe.ObserveRoundTrip(time.Since(sent).Seconds())
	}
}

func (r *roundTrips) prune() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	for id, at := range r.sentAt {
		if at.Before(cutoff) {
			delete(r.sentAt, id)
		}
	}
	r.mu.Unlock()
}

func (r *roundTrips) clear() {
	r.mu.Lock()
	clear(r.sentAt)
	r.mu.Unlock()
}

func (r *roundTrips) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sentAt)
}
