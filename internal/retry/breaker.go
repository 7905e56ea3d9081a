package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	StateClosed   BreakerState = iota // 正常放行
	StateOpen                         // 熔断，拒绝所有调用
	StateHalfOpen                     // 半开，放行少量试探调用
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker 连续失败达到阈值后熔断出站调用，冷却后半开试探
type Breaker struct {
	mu            sync.Mutex
	clock         clock.Clock
	state         BreakerState
	failures      int // 连续失败
	probes        int // 半开期间已放行的试探数
	probeOK       int
	lastFailTime  time.Time
	lastStateTime time.Time
	tripCount     int64
	rejected      int64

	threshold   int
	cooldown    time.Duration
	halfOpenMax int

	onStateChange func(from, to BreakerState)
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	HalfOpenMax int           `mapstructure:"halfOpenMax"`
}

// NewBreaker 创建熔断器
func NewBreaker(cfg BreakerConfig, c clock.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if c == nil {
		c = clock.Real()
	}
	return &Breaker{
		clock:         c,
		state:         StateClosed,
		threshold:     cfg.Threshold,
		cooldown:      cfg.Cooldown,
		halfOpenMax:   cfg.HalfOpenMax,
		lastStateTime: c.Now(),
	}
}

// Call 在熔断保护下执行 fn。熔断期间返回 CIRCUIT_OPEN
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Since(b.lastFailTime) >= b.cooldown {
			b.transitionTo(StateHalfOpen)
			b.probes, b.probeOK = 1, 0
			return nil
		}
	case StateHalfOpen:
		if b.probes < b.halfOpenMax {
			b.probes++
			return nil
		}
	}
	b.rejected++
	retryIn := b.cooldown - b.clock.Since(b.lastFailTime)
	return apperr.New(apperr.CodeCircuitOpen,
		fmt.Sprintf("outbound circuit open after %d consecutive failures", b.threshold),
		fmt.Sprintf("wait %s before retrying", max(retryIn, 0).Round(time.Second)))
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if !countsAsFailure(err) {
			return
		}
		b.failures++
		b.lastFailTime = b.clock.Now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.threshold {
				b.transitionTo(StateOpen)
				b.tripCount++
			}
		case StateHalfOpen:
			b.transitionTo(StateOpen)
			b.tripCount++
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeOK++
		if b.probeOK >= b.halfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

// countsAsFailure 调用方取消与会话级致命错误不计为下游故障
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), apperr.IsFatal(err):
		return false
	}
	return true
}

func (b *Breaker) transitionTo(s BreakerState) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	b.lastStateTime = b.clock.Now()
	if b.onStateChange != nil {
		// 异步回调，避免持锁执行外部代码
		go b.onStateChange(from, s)
	}
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetStateChangeCallback 设置状态变化回调
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Reset 手动恢复
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures, b.probes, b.probeOK = 0, 0, 0
}

// BreakerStats 熔断器统计信息
type BreakerStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"consecutive_failures"`
	TripCount       int64     `json:"trip_count"`
	Rejected        int64     `json:"rejected"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state.String(),
		Failures:        b.failures,
		TripCount:       b.tripCount,
		Rejected:        b.rejected,
		LastStateChange: b.lastStateTime,
	}
}
