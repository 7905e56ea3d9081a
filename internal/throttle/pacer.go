package throttle

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/taoyao-code/chatguard/internal/clock"
)

// Pacer 会话级令牌桶：平滑所有端点的整体出站速率。
// 预留与等待都基于注入的时钟，测试可用 FakeClock 驱动。
type Pacer struct {
	limiter      *rate.Limiter
	clock        clock.Clock
	ratePerSec   float64
	burst        int
	immediate    atomic.Int64
	delayedCount atomic.Int64
}

// NewPacer 创建令牌桶
// ratePerSec: 稳定速率，<=0 时返回 nil（不启用）
// burst: 突发容量，<=0 时取 1
func NewPacer(ratePerSec float64, burst int, c clock.Clock) *Pacer {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if c == nil {
		c = clock.Real()
	}
	return &Pacer{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		clock:      c,
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Wait 预留一个令牌并等待到可用
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("pacer: burst %d cannot satisfy reservation", p.burst)
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		p.immediate.Add(1)
		return nil
	}
	p.delayedCount.Add(1)
	if err := clock.Sleep(ctx, p.clock, d); err != nil {
		r.CancelAt(p.clock.Now())
		return err
	}
	return nil
}

// PacerStats 令牌桶统计信息
type PacerStats struct {
	RatePerSecond  float64 `json:"rate_per_second"`
	Burst          int     `json:"burst"`
	ImmediateTotal int64   `json:"immediate_total"`
	DelayedTotal   int64   `json:"delayed_total"`
}

// Stats 获取统计信息
func (p *Pacer) Stats() PacerStats {
	return PacerStats{
		RatePerSecond:  p.ratePerSec,
		Burst:          p.burst,
		ImmediateTotal: p.immediate.Load(),
		DelayedTotal:   p.delayedCount.Load(),
	}
}
