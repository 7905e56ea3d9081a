// Package activity 会话级动作预算：小时/日配额、突发冷却、随机休息与夜间降速。
package activity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/jitter"
)

// Profile 活跃度档位
type Profile struct {
	HourlyLimit     int     `mapstructure:"hourlyLimit" json:"hourly_limit"`
	BurstLimit      int     `mapstructure:"burstLimit" json:"burst_limit"`
	RestProbability float64 `mapstructure:"restProbability" json:"rest_probability"`
}

const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// DefaultProfiles 内置档位
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileConservative: {HourlyLimit: 15, BurstLimit: 3, RestProbability: 0.4},
		ProfileBalanced:     {HourlyLimit: 25, BurstLimit: 5, RestProbability: 0.25},
		ProfileAggressive:   {HourlyLimit: 40, BurstLimit: 8, RestProbability: 0.15},
	}
}

// 各类停顿的时长区间
var (
	dailyCooldown = 60 * time.Second
	hourlyPause   = [2]time.Duration{30 * time.Second, 120 * time.Second}
	burstPause    = [2]time.Duration{3 * time.Second, 8 * time.Second}
	restPause     = [2]time.Duration{5 * time.Second, 15 * time.Second}
	nightPause    = [2]time.Duration{10 * time.Second, 30 * time.Second}
)

// Config 预算配置
type Config struct {
	Disabled           bool               `mapstructure:"disabled"`
	Profile            string             `mapstructure:"profile"`
	Profiles           map[string]Profile `mapstructure:"profiles"`
	DailyLimit         int                `mapstructure:"dailyLimit"`
	MaxSessionDuration time.Duration      `mapstructure:"maxSessionDuration"`
	BurstGap           time.Duration      `mapstructure:"burstGap"`       // 相邻动作间隔小于该值计入连续动作
	ActiveFromHour     *int               `mapstructure:"activeFromHour"` // 活跃时段起点（本地小时），此前为夜间；0 关闭夜间时段
	Timezone           string             `mapstructure:"timezone"`       // 为空时使用 Location
	Location           *time.Location     `mapstructure:"-"`              // 小时/日切换与夜间判断使用的时区
}

func (c *Config) applyDefaults() {
	if len(c.Profiles) == 0 {
		c.Profiles = DefaultProfiles()
	}
	if c.Profile == "" {
		c.Profile = ProfileBalanced
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = 500
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = 180 * time.Minute
	}
	if c.BurstGap <= 0 {
		c.BurstGap = 2 * time.Second
	}
	if c.ActiveFromHour == nil {
		h := 6
		c.ActiveFromHour = &h
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Window 计数窗口
type Window struct {
	MessagesThisHour   int       `json:"messages_this_hour"`
	MessagesThisDay    int       `json:"messages_this_day"`
	LastResetHour      time.Time `json:"last_reset_hour"`
	LastResetDay       string    `json:"last_reset_day"`
	ConsecutiveActions int       `json:"consecutive_actions"`
	LastActionTime     time.Time `json:"last_action_time"`
	SessionStartTime   time.Time `json:"session_start_time"`
}

// Budget 动作预算，并发安全。所有停顿经由注入的时钟，可被 ctx 取消。
type Budget struct {
	mu          sync.Mutex
	cfg         Config
	profileName string
	profile     Profile
	window      Window
	clock       clock.Clock
	rnd         *jitter.Source
	logger      *zap.Logger

	denied  atomic.Int64
	paused  atomic.Int64
	overdue atomic.Bool
}

// Option Budget 可选项
type Option func(*Budget)

func WithClock(c clock.Clock) Option   { return func(b *Budget) { b.clock = c } }
func WithRand(r *jitter.Source) Option { return func(b *Budget) { b.rnd = r } }
func WithLogger(l *zap.Logger) Option  { return func(b *Budget) { b.logger = l } }

// New 创建预算；档位名未知时返回 VALIDATION 错误
func New(cfg Config, opts ...Option) (*Budget, error) {
	if cfg.Location == nil && cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "unknown activity timezone "+cfg.Timezone, "use an IANA zone name such as Europe/Berlin")
		}
		cfg.Location = loc
	}
	cfg.applyDefaults()
	if h := *cfg.ActiveFromHour; h < 0 || h > 23 {
		return nil, apperr.New(apperr.CodeValidation, fmt.Sprintf("activeFromHour %d out of range", h), "use an hour between 0 and 23")
	}
	p, ok := cfg.Profiles[cfg.Profile]
	if !ok {
		return nil, unknownProfile(cfg.Profile, cfg.Profiles)
	}
	b := &Budget{
		cfg:         cfg,
		profileName: cfg.Profile,
		profile:     p,
		clock:       clock.Real(),
		rnd:         jitter.New(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	now := b.clock.Now()
	b.window.SessionStartTime = now
	b.window.LastResetHour = b.hourStart(now)
	b.window.LastResetDay = b.dayKey(now)
	return b, nil
}

func unknownProfile(name string, profiles map[string]Profile) error {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return apperr.New(apperr.CodeValidation,
		fmt.Sprintf("unknown activity profile %q", name),
		fmt.Sprintf("use one of %v", names))
}

func (b *Budget) hourStart(t time.Time) time.Time {
	t = t.In(b.cfg.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, b.cfg.Location)
}

func (b *Budget) dayKey(t time.Time) string {
	return t.In(b.cfg.Location).Format(time.DateOnly)
}

// rollLocked 跨越小时/日边界时清零对应计数
func (b *Budget) rollLocked(now time.Time) {
	if h := b.hourStart(now); !h.Equal(b.window.LastResetHour) {
		b.window.MessagesThisHour = 0
		b.window.LastResetHour = h
		b.logger.Debug("hourly activity counter reset")
	}
	if d := b.dayKey(now); d != b.window.LastResetDay {
		b.window.MessagesThisDay = 0
		b.window.LastResetDay = d
		b.logger.Info("daily activity counter reset", zap.String("day", d))
	}
}

func (b *Budget) isActiveHour(now time.Time) bool {
	return now.In(b.cfg.Location).Hour() >= *b.cfg.ActiveFromHour
}

type pause struct {
	reason string
	d      time.Duration
}

// CheckAndWait 在执行动作前调用。
// 日配额耗尽时冷却后返回 false，调用方必须放弃本次动作；其它情况按需停顿后返回 true。
// ctx 取消时返回 ctx.Err()。
func (b *Budget) CheckAndWait(ctx context.Context) (bool, error) {
	if b.cfg.Disabled {
		return true, nil
	}

	b.mu.Lock()
	now := b.clock.Now()
	b.rollLocked(now)

	if b.window.MessagesThisDay >= b.cfg.DailyLimit {
		b.mu.Unlock()
		b.denied.Add(1)
		b.logger.Warn("daily activity limit reached, throttling heavily",
			zap.Int("daily_limit", b.cfg.DailyLimit))
		if err := clock.Sleep(ctx, b.clock, dailyCooldown); err != nil {
			return false, err
		}
		return false, nil
	}

	var plan []pause
	if b.window.MessagesThisHour >= b.profile.HourlyLimit {
		plan = append(plan, pause{"hourly_limit", b.rnd.Between(hourlyPause[0], hourlyPause[1])})
	}
	if b.window.ConsecutiveActions >= b.profile.BurstLimit {
		plan = append(plan, pause{"burst_limit", b.rnd.Between(burstPause[0], burstPause[1])})
		b.window.ConsecutiveActions = 0
	}
	if b.rnd.Chance(b.profile.RestProbability) {
		plan = append(plan, pause{"rest", b.rnd.Between(restPause[0], restPause[1])})
	}
	if !b.isActiveHour(now) {
		plan = append(plan, pause{"night", b.rnd.Between(nightPause[0], nightPause[1])})
	}
	b.mu.Unlock()

	for _, p := range plan {
		b.paused.Add(1)
		b.logger.Debug("activity pause", zap.String("reason", p.reason), zap.Duration("delay", p.d))
		if err := clock.Sleep(ctx, b.clock, p.d); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RecordAction 动作成功后调用，更新计数与连续动作
func (b *Budget) RecordAction() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.rollLocked(now)
	b.window.MessagesThisHour++
	b.window.MessagesThisDay++
	if !b.window.LastActionTime.IsZero() && now.Sub(b.window.LastActionTime) < b.cfg.BurstGap {
		b.window.ConsecutiveActions++
	} else {
		b.window.ConsecutiveActions = 1
	}
	b.window.LastActionTime = now
}

// ShouldAllowAction 非阻塞判断：日配额耗尽或小时计数达到上限的 1.2 倍时返回 false
func (b *Budget) ShouldAllowAction() bool {
	if b.cfg.Disabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.clock.Now())
	if b.window.MessagesThisDay >= b.cfg.DailyLimit {
		return false
	}
	return float64(b.window.MessagesThisHour) < float64(b.profile.HourlyLimit)*1.2
}

// IsSessionHealthy 会话时长超过上限后返回 false（仅建议）
func (b *Budget) IsSessionHealthy() bool {
	b.mu.Lock()
	age := b.clock.Since(b.window.SessionStartTime)
	b.mu.Unlock()
	if age > b.cfg.MaxSessionDuration {
		if !b.overdue.Swap(true) {
			b.logger.Warn("session duration exceeded recommended time",
				zap.Duration("age", age), zap.Duration("max", b.cfg.MaxSessionDuration))
		}
		return false
	}
	b.overdue.Store(false)
	return true
}

// SetProfile 运行时切换档位
func (b *Budget) SetProfile(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.cfg.Profiles[name]
	if !ok {
		return unknownProfile(name, b.cfg.Profiles)
	}
	b.profileName, b.profile = name, p
	b.logger.Info("activity profile changed", zap.String("profile", name))
	return nil
}

// ProfileName 当前档位名
func (b *Budget) ProfileName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profileName
}

// Stats 预算统计
type Stats struct {
	Window
	Profile       string        `json:"profile"`
	HourlyLimit   int           `json:"hourly_limit"`
	DailyLimit    int           `json:"daily_limit"`
	HourlyPercent int           `json:"hourly_percent"`
	DailyPercent  int           `json:"daily_percent"`
	SessionAge    time.Duration `json:"session_age"`
	DeniedTotal   int64         `json:"denied_total"`
	PausesTotal   int64         `json:"pauses_total"`
}

// Stats 获取统计信息
func (b *Budget) Stats() Stats {
	b.mu.Lock()
	now := b.clock.Now()
	b.rollLocked(now)
	s := Stats{
		Window:      b.window,
		Profile:     b.profileName,
		HourlyLimit: b.profile.HourlyLimit,
		DailyLimit:  b.cfg.DailyLimit,
		SessionAge:  now.Sub(b.window.SessionStartTime),
	}
	b.mu.Unlock()

	s.HourlyPercent = percent(s.MessagesThisHour, s.HourlyLimit)
	s.DailyPercent = percent(s.MessagesThisDay, s.DailyLimit)
	s.DeniedTotal = b.denied.Load()
	s.PausesTotal = b.paused.Load()
	return s
}

func percent(n, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(limit) * 100))
}
