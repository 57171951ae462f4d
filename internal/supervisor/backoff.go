package supervisor

import (
	"math/rand"
	"time"
)

// Backoff 带抖动的指数退避：min(Initial*2^(n-1), Max) * (1 ± Jitter)
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int // 0 means retry forever

	// Rand returns a value in [0,1); defaults to math/rand
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     2 * time.Second,
		Max:         60 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Base 第 attempt 次失败后的未抖动等待时间，attempt 从 1 开始
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	if b.Jitter <= 0 {
		return base
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	d := time.Duration(float64(base) * (1 + (r()*2-1)*b.Jitter))
	if d < 0 {
		d = 0
	}
	return d
}
