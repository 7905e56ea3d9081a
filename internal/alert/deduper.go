package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dedupKeyPrefix = "chatguard:alert:dedup"

	// DefaultDedupTTL 同一会话同类告警的静默期
	DefaultDedupTTL = 10 * time.Minute
)

// Deduper 基于 Redis SETNX 的告警去重，多实例共享
type Deduper struct {
	redis  redis.Cmdable
	logger *zap.Logger
	ttl    time.Duration
}

// NewDeduper 创建去重器
func NewDeduper(rdb redis.Cmdable, logger *zap.Logger, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{redis: rdb, logger: logger, ttl: ttl}
}

// IsDuplicate 首次出现返回 false 并占位，静默期内再次出现返回 true
func (d *Deduper) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if d == nil || d.redis == nil {
		return false, fmt.Errorf("deduper not initialized")
	}
	if key == "" {
		return false, fmt.Errorf("dedup key is empty")
	}

	ok, err := d.redis.SetNX(ctx, dedupKeyPrefix+":"+key, "1", d.ttl).Result()
	if err != nil {
		d.logger.Error("alert dedup check failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		d.logger.Debug("duplicate alert suppressed", zap.String("key", key))
	}
	return !ok, nil
}
