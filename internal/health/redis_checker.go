package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPinger Redis 客户端的探活与连接池统计
type RedisPinger interface {
	HealthCheck(ctx context.Context) error
	Stats() *redis.PoolStats
}

// RedisChecker Redis 健康检查器（身份存储、会话注册表、告警去重共用）
type RedisChecker struct {
	client RedisPinger
}

// NewRedisChecker 创建 Redis 健康检查器
func NewRedisChecker(client RedisPinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.client.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.client.Stats()
	utilization := 0.0
	if stats.TotalConns > 0 {
		utilization = float64(stats.TotalConns-stats.IdleConns) / float64(stats.TotalConns)
	}

	status, message := StatusHealthy, "ok"
	switch {
	case stats.Misses > stats.Hits && stats.Hits > 0:
		status, message = StatusDegraded, "low connection pool hit rate"
	case utilization > 0.9:
		status, message = StatusDegraded, "connection pool near limit"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"timeouts":    stats.Timeouts,
			"utilization": fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
