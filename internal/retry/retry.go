// Package retry 出站调用的指数退避重试与熔断。
//
// 退避序列由 cenkalti/backoff 生成，等待经由注入的 clock 调度。
package retry

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

// Config 重试配置
type Config struct {
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay"` // 0 表示不封顶
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
}

// backOff initial × 2^n，无抖动、无总时长上限
func (c Config) backOff(clk backoff.Clock) *backoff.ExponentialBackOff {
	maxInterval := c.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clk),
	)
}

// Delay 第 attempt 次失败后的等待时间：initial × 2^(attempt−1)，不超过 MaxDelay
func (c Config) Delay(attempt int) time.Duration {
	b := c.backOff(backoff.SystemClock)
	d := b.NextBackOff()
	for i := 1; i < attempt && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return d
}

// DefaultRetryable 除取消、Permanent 与会话级致命错误外一律重试
func DefaultRetryable(err error) bool {
	var p *backoff.PermanentError
	switch {
	case errors.As(err, &p):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case apperr.IsFatal(err), errors.Is(err, apperr.ErrCircuitOpen):
		return false
	}
	return true
}

// Retrier 重试执行器，并发安全
type Retrier struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	retryable func(error) bool

	calls     atomic.Int64
	attempts  atomic.Int64
	exhausted atomic.Int64
}

// Option Retrier 可选项
type Option func(*Retrier)

func WithClock(c clock.Clock) Option  { return func(r *Retrier) { r.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(r *Retrier) { r.logger = l } }

// WithRetryable 自定义可重试判断
func WithRetryable(fn func(error) bool) Option { return func(r *Retrier) { r.retryable = fn } }

// New 创建重试执行器
func New(cfg Config, opts ...Option) *Retrier {
	cfg.applyDefaults()
	r := &Retrier{cfg: cfg, clock: clock.Real(), logger: zap.NewNop(), retryable: DefaultRetryable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config 生效的配置
func (r *Retrier) Config() Config { return r.cfg }

// Do 执行 fn，失败后按退避重试。耗尽时原样返回最后一次错误；
// 等待期间 ctx 取消时返回 ctx.Err()。fn 返回 backoff.Permanent(err) 时立即返回 err。
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue Do 的带返回值版本。失败时仍返回最后一次调用得到的值，
// 调用方可据此检查伴随错误返回的响应。
func DoValue[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	r.calls.Add(1)
	var (
		attempt   int
		retryable bool
	)
	op := func() (T, error) {
		attempt++
		r.attempts.Add(1)
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		retryable = r.retryable(err)
		if !retryable {
			var p *backoff.PermanentError
			if !errors.As(err, &p) {
				err = backoff.Permanent(err)
			}
		}
		return v, err
	}
	notify := func(err error, delay time.Duration) {
		r.logger.Debug("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.cfg.backOff(r.clock), uint64(r.cfg.MaxAttempts-1)), ctx)
	v, err := backoff.RetryNotifyWithTimerAndData(op, b, notify, &clockTimer{clock: r.clock})
	if err != nil && retryable && attempt >= r.cfg.MaxAttempts && ctx.Err() == nil {
		r.exhausted.Add(1)
		r.logger.Warn("retry attempts exhausted", zap.Int("attempts", attempt), zap.Error(err))
	}
	return v, err
}

// Stats 重试统计
type Stats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	Exhausted int64 `json:"exhausted"`
}

func (r *Retrier) Stats() Stats {
	return Stats{Calls: r.calls.Load(), Attempts: r.attempts.Load(), Exhausted: r.exhausted.Load()}
}

// clockTimer 把 clock.Timer 适配为 backoff.Timer
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }
