package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/chatguard/internal/apperr"
)

// Limiter 单会话并发动作限流器（基于信号量）
type Limiter struct {
	sem           chan struct{}
	timeout       time.Duration
	max           int
	activeCount   atomic.Int64
	rejectedCount atomic.Int64
}

// NewLimiter 创建限流器
// max: 同时在途的动作数
// timeout: 获取许可的超时时间
func NewLimiter(max int, timeout time.Duration) *Limiter {
	if max <= 0 {
		max = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Limiter{
		sem:     make(chan struct{}, max),
		timeout: timeout,
		max:     max,
	}
}

// Acquire 获取许可；超时返回 THROTTLE_EXHAUSTED，ctx 取消时返回 ctx 错误
func (l *Limiter) Acquire(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
		l.activeCount.Add(1)
		return nil
	case <-actx.Done():
		l.rejectedCount.Add(1)
		if err := ctx.Err(); err != nil {
			return err
		}
		return apperr.New(apperr.CodeThrottleExhausted, "too many actions in flight", "lower concurrency or raise session.maxInFlight")
	}
}

// Release 释放许可
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.activeCount.Add(-1)
	default:
	}
}

// Stats 获取统计信息
func (l *Limiter) Stats() LimiterStats {
	active := int(l.activeCount.Load())
	return LimiterStats{
		Max:           l.max,
		Active:        active,
		RejectedTotal: l.rejectedCount.Load(),
		Utilization:   float64(active) / float64(l.max),
	}
}

// LimiterStats 限流器统计信息
type LimiterStats struct {
	Max           int     `json:"max"`
	Active        int     `json:"active"`
	RejectedTotal int64   `json:"rejected_total"`
	Utilization   float64 `json:"utilization"` // 0.0 - 1.0
}
