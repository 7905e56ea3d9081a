package health

import (
	"context"
	"sync"
	"time"
)

const defaultCheckTimeout = 3 * time.Second

// Aggregator 健康检查聚合器
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	now      func() time.Time
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{
		checkers: checkers,
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
}

// SetTimeout 单个检查的超时；<=0 时不限制
func (a *Aggregator) SetTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// AddChecker 添加检查器
func (a *Aggregator) AddChecker(checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, checker)
}

// CheckAll 并发执行所有检查
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	checkers := append([]Checker(nil), a.checkers...)
	timeout := a.timeout
	a.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var (
		resultsMu sync.Mutex
		wg        sync.WaitGroup
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			cctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			result := c.Check(cctx)

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}
	wg.Wait()
	return results
}

// Overall 取最严重的状态
func Overall(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, r := range results {
		if r.Status.rank() > overall.rank() {
			overall = r.Status
		}
	}
	return overall
}

// OverallStatus 计算总体健康状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	return Overall(a.CheckAll(ctx))
}

// Ready 降级仍视为就绪，只有 Unhealthy 才不就绪
func (a *Aggregator) Ready(ctx context.Context) bool {
	return a.OverallStatus(ctx) != StatusUnhealthy
}

// Alive 进程能响应即存活
func (a *Aggregator) Alive() bool {
	return true
}

// HealthReport 健康报告
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Report 执行一次检查并生成报告
func (a *Aggregator) Report(ctx context.Context) HealthReport {
	results := a.CheckAll(ctx)
	return HealthReport{
		Status:    Overall(results),
		Timestamp: a.now(),
		Checks:    results,
	}
}
