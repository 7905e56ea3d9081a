package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JournalPinger 检测日志存储的探活与连接池统计
type JournalPinger interface {
	HealthCheck(ctx context.Context) error
	DBStats() sql.DBStats
}

// JournalChecker 检测日志（PostgreSQL）健康检查器。
// 日志只是旁路记录，故障时报告降级而非不健康。
type JournalChecker struct {
	store JournalPinger
}

// NewJournalChecker 创建检查器
func NewJournalChecker(store JournalPinger) *JournalChecker {
	return &JournalChecker{store: store}
}

func (c *JournalChecker) Name() string { return "journal" }

func (c *JournalChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.store.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.store.DBStats()
	status, message := StatusHealthy, "ok"
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections && stats.WaitCount > 0 {
		status, message = StatusDegraded, "connection pool exhausted"
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"open":          stats.OpenConnections,
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
			"max_open":      stats.MaxOpenConnections,
			"wait_count":    stats.WaitCount,
			"wait_duration": stats.WaitDuration.String(),
		},
		Latency: time.Since(start),
	}
}
