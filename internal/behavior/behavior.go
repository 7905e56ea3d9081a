// Package behavior 生成拟人化的停顿：打字、阅读、思考与操作间隔。
package behavior

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/jitter"
)

// Range 时长区间（闭区间）
type Range struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Config 停顿参数
type Config struct {
	Disabled    bool  `mapstructure:"disabled"`
	TypingSpeed Range `mapstructure:"typingSpeed"` // 每字符
	ReadDelay   Range `mapstructure:"readDelay"`
	ActionDelay Range `mapstructure:"actionDelay"`
	ThinkDelay  Range `mapstructure:"thinkDelay"`
}

func (c *Config) applyDefaults() {
	def := func(r *Range, lo, hi time.Duration) {
		if r.Max <= 0 || r.Max < r.Min {
			r.Min, r.Max = lo, hi
		}
	}
	def(&c.TypingSpeed, 50*time.Millisecond, 150*time.Millisecond)
	def(&c.ReadDelay, time.Second, 3*time.Second)
	def(&c.ActionDelay, 500*time.Millisecond, 2*time.Second)
	def(&c.ThinkDelay, 2*time.Second, 5*time.Second)
}

const (
	typingFloor       = 100 * time.Millisecond
	typingVarianceLo  = -200 * time.Millisecond
	typingVarianceHi  = 500 * time.Millisecond
	readingFactorCap  = 3.0
	thinkProbability  = 0.7
	pauseProbability  = 0.3
	actionProbability = 0.6
)

var microPause = Range{200 * time.Millisecond, 800 * time.Millisecond}

// Simulator 无状态的延迟生成器
type Simulator struct {
	cfg    Config
	clock  clock.Clock
	rnd    *jitter.Source
	logger *zap.Logger
}

// Option Simulator 可选项
type Option func(*Simulator)

func WithClock(c clock.Clock) Option   { return func(s *Simulator) { s.clock = c } }
func WithRand(r *jitter.Source) Option { return func(s *Simulator) { s.rnd = r } }
func WithLogger(l *zap.Logger) Option  { return func(s *Simulator) { s.logger = l } }

// New 创建模拟器
func New(cfg Config, opts ...Option) *Simulator {
	cfg.applyDefaults()
	s := &Simulator{cfg: cfg, clock: clock.Real(), rnd: jitter.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled 是否启用
func (s *Simulator) Enabled() bool { return !s.cfg.Disabled }

func (s *Simulator) pick(r Range) time.Duration { return s.rnd.Between(r.Min, r.Max) }

// TypingDelay 输入 n 个字符所需时间：每字符延迟 × n 加上 -200..500ms 抖动，至少 100ms
func (s *Simulator) TypingDelay(n int) time.Duration {
	d := s.pick(s.cfg.TypingSpeed)*time.Duration(n) + s.rnd.Between(typingVarianceLo, typingVarianceHi)
	return max(d, typingFloor)
}

// ReadingDelay 阅读 n 个字符所需时间：基础延迟 × min(n/20, 3)
func (s *Simulator) ReadingDelay(n int) time.Duration {
	factor := min(float64(n)/20, readingFactorCap)
	return time.Duration(float64(s.pick(s.cfg.ReadDelay)) * factor).Truncate(time.Millisecond)
}

func (s *Simulator) ThinkingDelay() time.Duration { return s.pick(s.cfg.ThinkDelay) }
func (s *Simulator) ActionDelay() time.Duration   { return s.pick(s.cfg.ActionDelay) }

func (s *Simulator) sleep(ctx context.Context, what string, d time.Duration) error {
	s.logger.Debug("simulating "+what, zap.Duration("delay", d))
	return clock.Sleep(ctx, s.clock, d)
}

// SimulateTyping 按消息长度停顿
func (s *Simulator) SimulateTyping(ctx context.Context, n int) error {
	if s.cfg.Disabled {
		return nil
	}
	return s.sleep(ctx, "typing", s.TypingDelay(n))
}

// SimulateReading 按消息长度停顿
func (s *Simulator) SimulateReading(ctx context.Context, n int) error {
	if s.cfg.Disabled {
		return nil
	}
	return s.sleep(ctx, "reading", s.ReadingDelay(n))
}

func (s *Simulator) SimulateThinking(ctx context.Context) error {
	if s.cfg.Disabled {
		return nil
	}
	return s.sleep(ctx, "thinking", s.ThinkingDelay())
}

func (s *Simulator) SimulateActionDelay(ctx context.Context) error {
	if s.cfg.Disabled {
		return nil
	}
	return s.sleep(ctx, "action delay", s.ActionDelay())
}

// BeforeMessageSend 发送消息前的组合停顿：
// 70% 概率思考，正文非空时按长度打字，30% 概率追加 200–800ms 的短停顿
func (s *Simulator) BeforeMessageSend(ctx context.Context, body string) error {
	if s.cfg.Disabled {
		return nil
	}
	if s.rnd.Chance(thinkProbability) {
		if err := s.SimulateThinking(ctx); err != nil {
			return err
		}
	}
	if n := len([]rune(body)); n > 0 {
		if err := s.SimulateTyping(ctx, n); err != nil {
			return err
		}
	}
	if s.rnd.Chance(pauseProbability) {
		return s.sleep(ctx, "micro pause", s.pick(microPause))
	}
	return nil
}

// BeforeAction 非消息类动作前 60% 概率停顿
func (s *Simulator) BeforeAction(ctx context.Context) error {
	if s.cfg.Disabled || !s.rnd.Chance(actionProbability) {
		return nil
	}
	return s.SimulateActionDelay(ctx)
}
