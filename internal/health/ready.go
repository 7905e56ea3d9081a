package health

import (
	"context"
	"sync/atomic"
)

// Readiness 就绪状态：会话引导完成且聚合检查不为 Unhealthy
type Readiness struct {
	bootstrapped atomic.Bool
	agg          *Aggregator
}

// NewReadiness agg 可为 nil
func NewReadiness(agg *Aggregator) *Readiness { return &Readiness{agg: agg} }

// SetBootstrapped 标记会话引导结果
func (r *Readiness) SetBootstrapped(v bool) { r.bootstrapped.Store(v) }

// Bootstrapped 是否已完成引导
func (r *Readiness) Bootstrapped() bool { return r.bootstrapped.Load() }

// Ready 总体就绪
func (r *Readiness) Ready(ctx context.Context) bool {
	if !r.bootstrapped.Load() {
		return false
	}
	return r.agg == nil || r.agg.Ready(ctx)
}
