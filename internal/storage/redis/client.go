// Package redis 封装共享的 Redis 连接：身份存储、会话注册表与告警去重使用同一个客户端。
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/config"
)

// ErrDisabled 配置未启用 Redis
var ErrDisabled = errors.New("redis is not enabled")

// Client Redis 客户端封装
type Client struct {
	*redis.Client
}

// NewClient 按配置建连并 Ping 一次
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	if logger != nil {
		logger.Info("redis connected",
			zap.String("addr", cfg.Addr),
			zap.Int("db", cfg.DB),
			zap.Int("pool_size", cfg.PoolSize))
	}
	return &Client{Client: rdb}, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// HealthCheck 探活
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Stats 连接池统计
func (c *Client) Stats() *redis.PoolStats {
	return c.PoolStats()
}
