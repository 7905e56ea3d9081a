// Package throttle 按端点与动作类别的滑动窗口限流。
package throttle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

// Class 动作类别，各类别有独立的每分钟/每小时上限
type Class string

const (
	ClassMessage Class = "message"
	ClassAPI     Class = "api"
	ClassTyping  Class = "typing"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	sweepEvery   = 5 * time.Minute
)

// Limits 单个类别的上限，0 表示该窗口不限
type Limits struct {
	PerMinute int `mapstructure:"perMinute"`
	PerHour   int `mapstructure:"perHour"`
}

// DefaultLimits 默认上限
func DefaultLimits() map[Class]Limits {
	return map[Class]Limits{
		ClassMessage: {PerMinute: 20, PerHour: 200},
		ClassAPI:     {PerMinute: 60, PerHour: 600},
		ClassTyping:  {PerMinute: 30, PerHour: 300},
	}
}

// Config 限流配置
type Config struct {
	Limits       map[Class]Limits `mapstructure:"limits"`
	MaxAttempts  int              `mapstructure:"maxAttempts"`  // AwaitSlot 最大等待次数
	SafetyMargin time.Duration    `mapstructure:"safetyMargin"` // 计算等待时间时附加的余量
	MaxEndpoints int              `mapstructure:"maxEndpoints"` // 账本最多跟踪的端点数，超出按最久未用淘汰
	PacerRate    float64          `mapstructure:"pacerRate"`    // 会话级令牌桶速率（次/秒），0 表示关闭
	PacerBurst   int              `mapstructure:"pacerBurst"`
}

func (c *Config) applyDefaults() {
	if len(c.Limits) == 0 {
		c.Limits = DefaultLimits()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = time.Second
	}
	if c.MaxEndpoints <= 0 {
		c.MaxEndpoints = 1024
	}
}

// Throttle 单会话的限流账本，并发安全
type Throttle struct {
	mu        sync.Mutex
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	pacer     *Pacer
	ledger    map[string][]time.Time
	lastSweep time.Time

	admitted  atomic.Int64
	waits     atomic.Int64
	exhausted atomic.Int64
	evicted   atomic.Int64
}

// Option Throttle 可选项
type Option func(*Throttle)

func WithClock(c clock.Clock) Option  { return func(t *Throttle) { t.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(t *Throttle) { t.logger = l } }

// WithPacer 在滑动窗口之前叠加会话级令牌桶
func WithPacer(p *Pacer) Option { return func(t *Throttle) { t.pacer = p } }

// New 创建限流器
func New(cfg Config, opts ...Option) *Throttle {
	cfg.applyDefaults()
	t := &Throttle{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: zap.NewNop(),
		ledger: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pacer == nil {
		t.pacer = NewPacer(cfg.PacerRate, cfg.PacerBurst, t.clock)
	}
	t.lastSweep = t.clock.Now()
	return t
}

func (t *Throttle) limitsFor(class Class) Limits {
	if l, ok := t.cfg.Limits[class]; ok {
		return l
	}
	if l, ok := t.cfg.Limits[ClassAPI]; ok {
		return l
	}
	return DefaultLimits()[ClassAPI]
}

// windowCounts 返回窗口内请求数及窗口内最早的时间戳
func windowCounts(ts []time.Time, now time.Time) (minute int, oldestMinute time.Time, hour int, oldestHour time.Time) {
	minuteStart, hourStart := now.Add(-minuteWindow), now.Add(-hourWindow)
	for _, x := range ts {
		if x.After(hourStart) {
			if hour == 0 {
				oldestHour = x
			}
			hour++
		}
		if x.After(minuteStart) {
			if minute == 0 {
				oldestMinute = x
			}
			minute++
		}
	}
	return
}

func (t *Throttle) canProceedLocked(endpoint string, class Class, now time.Time) bool {
	l := t.limitsFor(class)
	minute, _, hour, _ := windowCounts(t.ledger[endpoint], now)
	if l.PerMinute > 0 && minute >= l.PerMinute {
		return false
	}
	if l.PerHour > 0 && hour >= l.PerHour {
		return false
	}
	return true
}

// CanProceed 窗口内请求数同时低于两个上限时返回 true
func (t *Throttle) CanProceed(endpoint string, class Class) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.canProceedLocked(endpoint, class, t.clock.Now())
	if !ok {
		t.logger.Warn("rate limit exceeded", zap.String("endpoint", endpoint), zap.String("class", string(class)))
	}
	return ok
}

func (t *Throttle) waitTimeLocked(endpoint string, class Class, now time.Time) time.Duration {
	l := t.limitsFor(class)
	minute, oldestMinute, hour, oldestHour := windowCounts(t.ledger[endpoint], now)
	if l.PerMinute > 0 && minute >= l.PerMinute {
		return max(minuteWindow-now.Sub(oldestMinute)+t.cfg.SafetyMargin, 0)
	}
	if l.PerHour > 0 && hour >= l.PerHour {
		return max(hourWindow-now.Sub(oldestHour)+t.cfg.SafetyMargin, 0)
	}
	return 0
}

// WaitTime 距离最早的窗口内请求过期还需等待的时间（含余量），可放行时为 0
func (t *Throttle) WaitTime(endpoint string, class Class) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitTimeLocked(endpoint, class, t.clock.Now())
}

// RecordRequest 记录一次请求并裁剪一小时以前的记录
func (t *Throttle) RecordRequest(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(endpoint, t.clock.Now())
}

func (t *Throttle) recordLocked(endpoint string, now time.Time) {
	t.ledger[endpoint] = prune(append(t.ledger[endpoint], now), now)
	if len(t.ledger) > t.cfg.MaxEndpoints {
		t.evictLocked(endpoint)
	}
	if now.Sub(t.lastSweep) >= sweepEvery {
		t.sweepLocked(now)
	}
}

func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// evictLocked 淘汰最后一次请求最早的端点（keep 除外）
func (t *Throttle) evictLocked(keep string) {
	var victim string
	var oldest time.Time
	for ep, ts := range t.ledger {
		if ep == keep {
			continue
		}
		var last time.Time
		if n := len(ts); n > 0 {
			last = ts[n-1]
		}
		if victim == "" || last.Before(oldest) {
			victim, oldest = ep, last
		}
	}
	if victim != "" {
		delete(t.ledger, victim)
		t.evicted.Add(1)
	}
}

func (t *Throttle) sweepLocked(now time.Time) int {
	removed := 0
	for ep, ts := range t.ledger {
		ts = prune(ts, now)
		if len(ts) == 0 {
			delete(t.ledger, ep)
			removed++
			continue
		}
		t.ledger[ep] = ts
	}
	t.lastSweep = now
	return removed
}

// Sweep 清理全部过期记录，返回移除的端点数
func (t *Throttle) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.clock.Now())
}

// AwaitSlot 等待直到可以放行，并原子地记录本次请求。
// 超过 MaxAttempts 次等待仍未放行时返回 THROTTLE_EXHAUSTED。
func (t *Throttle) AwaitSlot(ctx context.Context, endpoint string, class Class) error {
	if t.pacer != nil {
		if err := t.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		t.mu.Lock()
		now := t.clock.Now()
		if t.canProceedLocked(endpoint, class, now) {
			t.recordLocked(endpoint, now)
			t.mu.Unlock()
			t.admitted.Add(1)
			return nil
		}
		wait := t.waitTimeLocked(endpoint, class, now)
		t.mu.Unlock()

		if attempt >= t.cfg.MaxAttempts {
			t.exhausted.Add(1)
			return apperr.New(apperr.CodeThrottleExhausted,
				fmt.Sprintf("rate limit exceeded for %s after %d retry attempts", endpoint, t.cfg.MaxAttempts),
				"reduce request frequency")
		}
		if wait <= 0 {
			wait = t.cfg.SafetyMargin
		}
		t.waits.Add(1)
		t.logger.Info("rate limit reached, waiting",
			zap.String("endpoint", endpoint),
			zap.String("class", string(class)),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", t.cfg.MaxAttempts))
		if err := clock.Sleep(ctx, t.clock, wait); err != nil {
			return err
		}
	}
}

// Reset 清空账本
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ledger = make(map[string][]time.Time)
}

// Stats 限流统计
type Stats struct {
	Endpoints      int   `json:"endpoints"`
	TrackedEntries int   `json:"tracked_entries"`
	AdmittedTotal  int64 `json:"admitted_total"`
	WaitsTotal     int64 `json:"waits_total"`
	ExhaustedTotal int64 `json:"exhausted_total"`
	EvictedTotal   int64 `json:"evicted_total"`
}

// Stats 获取统计信息
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	entries := 0
	for _, ts := range t.ledger {
		entries += len(ts)
	}
	s := Stats{Endpoints: len(t.ledger), TrackedEntries: entries}
	t.mu.Unlock()

	s.AdmittedTotal = t.admitted.Load()
	s.WaitsTotal = t.waits.Load()
	s.ExhaustedTotal = t.exhausted.Load()
	s.EvictedTotal = t.evicted.Load()
	return s
}
