// Package session 编排单个会话的出站动作：限流、预算、拟人停顿、重试与熔断、异常检测，
// 并对外提供聚合健康快照。每个 Orchestrator 独占自己的限流账本、预算与停顿生成器。
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/activity"
	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/behavior"
	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/identity"
	"github.com/taoyao-code/chatguard/internal/jitter"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/retry"
	"github.com/taoyao-code/chatguard/internal/throttle"
)

// Kind 动作类型，决定拟人停顿的形态
type Kind string

const (
	KindMessage Kind = "message" // 发送消息：思考 + 打字 + 微停顿
	KindAction  Kind = "action"  // 其它写操作
)

// ProbeEndpoint 启动探测在限流账本中的端点名
const ProbeEndpoint = "account_status"

// Action 一次外部触发的动作
type Action struct {
	Endpoint string
	Class    throttle.Class
	Kind     Kind
	Body     string // 消息正文，用于计算打字停顿
}

// Call 实际执行的出站调用，header 为身份派生的请求元数据
type Call func(ctx context.Context, header http.Header) (*anomaly.Response, error)

// Observer 编排过程的指标回调
type Observer interface {
	ObserveGate(outcome string, wait time.Duration)
	ObserveCall(err error)
}

// 闸门结果
const (
	OutcomeAdmitted  = "admitted"
	OutcomeBlocked   = "blocked"
	OutcomeUnhealthy = "unhealthy"
	OutcomeThrottled = "throttled"
	OutcomeBudget    = "budget_exhausted"
	OutcomeCanceled  = "canceled"
)

// Config 编排配置
type Config struct {
	Throttle       throttle.Config     `mapstructure:"throttle"`
	Activity       activity.Config     `mapstructure:"activity"`
	Behavior       behavior.Config     `mapstructure:"behavior"`
	Retry          retry.Config        `mapstructure:"retry"`
	Breaker        retry.BreakerConfig `mapstructure:"breaker"`
	MaxInFlight    int                 `mapstructure:"maxInFlight"`
	AcquireTimeout time.Duration       `mapstructure:"acquireTimeout"`
}

// Orchestrator 会话编排器，并发安全
type Orchestrator struct {
	identity *identity.Store
	detector *anomaly.Detector
	throttle *throttle.Throttle
	budget   *activity.Budget
	behavior *behavior.Simulator
	retrier  *retry.Retrier
	breaker  *retry.Breaker
	limiter  *Limiter
	registry Registry

	clock    clock.Clock
	rnd      *jitter.Source
	logger   *zap.Logger
	observer Observer

	base   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	blocked *apperr.Error
	channel func() *realtime.Stats
	started time.Time

	refused atomic.Int64
}

// Option Orchestrator 可选项
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option   { return func(o *Orchestrator) { o.clock = c } }
func WithRand(r *jitter.Source) Option { return func(o *Orchestrator) { o.rnd = r } }
func WithLogger(l *zap.Logger) Option  { return func(o *Orchestrator) { o.logger = l } }
func WithObserver(ob Observer) Option  { return func(o *Orchestrator) { o.observer = ob } }
func WithRegistry(r Registry) Option   { return func(o *Orchestrator) { o.registry = r } }

// New 创建编排器；预算档位配置错误时返回 VALIDATION
func New(store *identity.Store, detector *anomaly.Detector, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil || detector == nil {
		return nil, apperr.New(apperr.CodeValidation, "identity store and detector are required", "")
	}
	o := &Orchestrator{
		identity: store,
		detector: detector,
		clock:    clock.Real(),
		rnd:      jitter.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	o.budget, err = activity.New(cfg.Activity,
		activity.WithClock(o.clock), activity.WithRand(o.rnd), activity.WithLogger(o.logger.Named("activity")))
	if err != nil {
		return nil, err
	}
	o.throttle = throttle.New(cfg.Throttle, throttle.WithClock(o.clock), throttle.WithLogger(o.logger.Named("throttle")))
	o.behavior = behavior.New(cfg.Behavior,
		behavior.WithClock(o.clock), behavior.WithRand(o.rnd), behavior.WithLogger(o.logger.Named("behavior")))
	o.retrier = retry.New(cfg.Retry, retry.WithClock(o.clock), retry.WithLogger(o.logger.Named("retry")))
	o.breaker = retry.NewBreaker(cfg.Breaker, o.clock)
	o.breaker.SetStateChangeCallback(func(from, to retry.BreakerState) {
		o.logger.Warn("outbound circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	})
	o.limiter = NewLimiter(cfg.MaxInFlight, cfg.AcquireTimeout)
	o.base, o.cancel = context.WithCancel(context.Background())
	o.started = o.clock.Now()
	return o, nil
}

// AttachChannel 关联实时通道统计，nil 表示解除
func (o *Orchestrator) AttachChannel(stats func() *realtime.Stats) {
	o.mu.Lock()
	o.channel = stats
	o.mu.Unlock()
}

// scoped 派生一个在 Close 时同样会被取消的 ctx
func (o *Orchestrator) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (o *Orchestrator) observeGate(outcome string, wait time.Duration) {
	if o.observer != nil {
		o.observer.ObserveGate(outcome, wait)
	}
}

func (o *Orchestrator) refuse(outcome string, err error) error {
	o.refused.Add(1)
	o.observeGate(outcome, 0)
	return err
}

// Blocked 返回锁存的阻断错误
func (o *Orchestrator) Blocked() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.blocked == nil {
		return nil
	}
	return o.blocked
}

// Gate 依次经过限流、预算与拟人停顿，返回附加到请求上的身份元数据。
// 阻断锁存或账号不健康时直接拒绝；任何一道闸门拒绝即整体拒绝。
func (o *Orchestrator) Gate(ctx context.Context, a Action) (http.Header, error) {
	if err := o.Blocked(); err != nil {
		return nil, o.refuse(OutcomeBlocked, err)
	}
	if err := o.base.Err(); err != nil {
		return nil, o.refuse(OutcomeCanceled, fmt.Errorf("session closed: %w", err))
	}
	if !o.detector.IsAccountHealthy() {
		return nil, o.refuse(OutcomeUnhealthy, apperr.New(apperr.CodeAccountUnhealthy,
			"too many anomaly detections in the last hour",
			"pause all automated activity and verify the account manually"))
	}

	ctx, cancel := o.scoped(ctx)
	defer cancel()
	start := o.clock.Now()

	class := a.Class
	if class == "" {
		class = throttle.ClassAPI
	}
	if err := o.throttle.AwaitSlot(ctx, a.Endpoint, class); err != nil {
		return nil, o.gateFailed(OutcomeThrottled, start, err)
	}

	ok, err := o.budget.CheckAndWait(ctx)
	if err != nil {
		return nil, o.gateFailed(OutcomeCanceled, start, err)
	}
	if !ok {
		return nil, o.gateFailed(OutcomeBudget, start, apperr.New(apperr.CodeBudgetExhausted,
			"daily action limit reached", "resume after the local day rolls over"))
	}

	if a.Kind == KindMessage {
		err = o.behavior.BeforeMessageSend(ctx, a.Body)
	} else {
		err = o.behavior.BeforeAction(ctx)
	}
	if err != nil {
		return nil, o.gateFailed(OutcomeCanceled, start, err)
	}

	o.observeGate(OutcomeAdmitted, o.clock.Since(start))
	return o.identity.Snapshot().Metadata(), nil
}

func (o *Orchestrator) gateFailed(outcome string, start time.Time, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = OutcomeCanceled
	}
	o.refused.Add(1)
	o.observeGate(outcome, o.clock.Since(start))
	o.logger.Warn("action refused", zap.String("outcome", outcome), zap.Error(err))
	return err
}

// Report 检查调用结果；调用成功时计入预算并刷新身份的最近使用时间
func (o *Orchestrator) Report(ctx context.Context, a Action, resp *anomaly.Response, err error) anomaly.Report {
	r := o.detector.Inspect(resp)
	o.settle(ctx, a, r, err)
	return r
}

func (o *Orchestrator) settle(ctx context.Context, a Action, r anomaly.Report, err error) {
	if r.Detected {
		o.logger.Warn("anomaly detected after action",
			zap.String("endpoint", a.Endpoint),
			zap.String("type", string(r.Type)),
			zap.Float64("confidence", r.Confidence),
			zap.String("recommendation", r.Recommendation))
	}
	if err == nil {
		o.budget.RecordAction()
		o.identity.Touch(ctx)
	}
}

// Execute 在闸门放行后执行 call（重试 + 熔断），检查结果并返回检测报告。
// 伴随错误返回的响应同样会被检查；重试耗尽的网络错误包装为 TRANSPORT_ERROR。
func (o *Orchestrator) Execute(ctx context.Context, a Action, call Call) (*anomaly.Response, anomaly.Report, error) {
	ctx, cancel := o.scoped(ctx)
	defer cancel()
	if err := o.limiter.Acquire(ctx); err != nil {
		outcome := OutcomeThrottled
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		return nil, anomaly.Report{}, o.refuse(outcome, err)
	}
	defer o.limiter.Release()

	header, err := o.Gate(ctx, a)
	if err != nil {
		return nil, anomaly.Report{}, err
	}

	resp, report, err := o.invoke(ctx, header, call)
	o.settle(ctx, a, report, err)
	if err != nil {
		return resp, report, o.classify(a.Endpoint, err)
	}
	return resp, report, nil
}

// invoke 每次尝试都检查响应；命中检测的失败不再重试
func (o *Orchestrator) invoke(ctx context.Context, header http.Header, call Call) (*anomaly.Response, anomaly.Report, error) {
	var report anomaly.Report
	resp, err := retry.DoValue(ctx, o.retrier, func(ctx context.Context) (*anomaly.Response, error) {
		var resp *anomaly.Response
		err := o.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			resp, err = call(ctx, header.Clone())
			return err
		})
		if o.observer != nil {
			o.observer.ObserveCall(err)
		}
		report = o.detector.Inspect(resp)
		if err != nil && report.Detected {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	})
	return resp, report, err
}

func (o *Orchestrator) classify(endpoint string, err error) error {
	if apperr.CodeOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.CodeTransport, err,
		fmt.Sprintf("%s request failed", endpoint),
		"check network connectivity and retry later")
}

// Bootstrap 启动时执行一次账号状态探测。探测结果命中任何检测即锁存 SESSION_BLOCKED，
// 此后所有动作都会被拒绝。已登记为阻断的设备直接返回锁存错误。
func (o *Orchestrator) Bootstrap(ctx context.Context, probe Call) error {
	id := o.identity.Load(ctx)
	if err := o.loadLatch(ctx, id); err != nil {
		return err
	}

	ctx, cancel := o.scoped(ctx)
	defer cancel()
	o.throttle.RecordRequest(ProbeEndpoint)
	_, r, err := o.invoke(ctx, id.Metadata(), probe)
	if r.Detected {
		blocked := apperr.New(apperr.CodeSessionBlocked,
			fmt.Sprintf("account verification required: %s", r.Message), r.Recommendation)
		o.mu.Lock()
		o.blocked = blocked
		o.mu.Unlock()
		o.logger.Error("session blocked by account status probe",
			zap.String("type", string(r.Type)), zap.Float64("confidence", r.Confidence))
		o.saveRecord(ctx, id, blocked)
		return blocked
	}
	if err != nil {
		return o.classify(ProbeEndpoint, err)
	}

	o.saveRecord(ctx, id, nil)
	o.logger.Info("session bootstrap complete",
		zap.String("device_id", id.DeviceID), zap.String("session_id", id.SessionID))
	return nil
}

func (o *Orchestrator) loadLatch(ctx context.Context, id identity.DeviceIdentity) error {
	if o.registry == nil {
		return nil
	}
	rec, ok, err := o.registry.Load(ctx, id.DeviceID)
	if err != nil {
		o.logger.Warn("load session record failed", zap.Error(err))
		return nil
	}
	if !ok || !rec.Blocked {
		return nil
	}
	blocked := apperr.New(apperr.CodeSessionBlocked, rec.BlockedReason, rec.Recommendation)
	o.mu.Lock()
	o.blocked = blocked
	o.mu.Unlock()
	o.logger.Error("session blocked by previous verdict", zap.Time("blocked_at", rec.BlockedAt))
	return blocked
}

func (o *Orchestrator) saveRecord(ctx context.Context, id identity.DeviceIdentity, blocked *apperr.Error) {
	if o.registry == nil {
		return
	}
	now := o.clock.Now()
	rec := Record{DeviceID: id.DeviceID, SessionID: id.SessionID, LastSeen: now}
	if blocked != nil {
		rec.Blocked = true
		rec.BlockedReason = blocked.Message
		rec.Recommendation = blocked.Recommendation
		rec.BlockedAt = now
	}
	if err := o.registry.Save(ctx, rec); err != nil {
		o.logger.Warn("save session record failed", zap.Error(err))
	}
}

// SetProfile 切换活跃度档位
func (o *Orchestrator) SetProfile(name string) error {
	return o.budget.SetProfile(name)
}

// Close 终止会话：取消所有进行中的闸门等待。可重复调用
func (o *Orchestrator) Close() {
	o.cancel()
}

// IdentitySummary 健康快照中的身份摘要
type IdentitySummary struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	Browser   string `json:"browser"`
	Platform  string `json:"platform"`
	Timezone  string `json:"timezone"`
}

// Health 聚合健康快照
type Health struct {
	Healthy        bool               `json:"healthy"`
	Blocked        bool               `json:"blocked"`
	BlockedReason  string             `json:"blocked_reason,omitempty"`
	AccountHealthy bool               `json:"account_healthy"`
	SessionHealthy bool               `json:"session_healthy"`
	Activity       activity.Stats     `json:"activity"`
	Detections     anomaly.Stats      `json:"detections"`
	Identity       IdentitySummary    `json:"identity"`
	Throttle       throttle.Stats     `json:"throttle"`
	Retry          retry.Stats        `json:"retry"`
	Breaker        retry.BreakerStats `json:"breaker"`
	InFlight       LimiterStats       `json:"in_flight"`
	Channel        *realtime.Stats    `json:"channel,omitempty"`
	RefusedTotal   int64              `json:"refused_total"`
	Uptime         time.Duration      `json:"uptime"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Health 获取健康快照
func (o *Orchestrator) Health() Health {
	id := o.identity.Snapshot()
	det := o.detector.Stats()
	now := o.clock.Now()

	o.mu.RLock()
	blocked := o.blocked
	channel := o.channel
	o.mu.RUnlock()

	h := Health{
		Blocked:        blocked != nil,
		AccountHealthy: det.Healthy,
		SessionHealthy: o.budget.IsSessionHealthy(),
		Activity:       o.budget.Stats(),
		Detections:     det,
		Identity: IdentitySummary{
			DeviceID:  id.DeviceID,
			SessionID: id.SessionID,
			Browser:   id.Browser.Name + " " + id.Browser.Version,
			Platform:  id.Platform,
			Timezone:  id.Timezone,
		},
		Throttle:     o.throttle.Stats(),
		Retry:        o.retrier.Stats(),
		Breaker:      o.breaker.Stats(),
		InFlight:     o.limiter.Stats(),
		RefusedTotal: o.refused.Load(),
		Uptime:       now.Sub(o.started),
		Timestamp:    now,
	}
	if blocked != nil {
		h.BlockedReason = blocked.Message
	}
	if channel != nil {
		h.Channel = channel()
	}
	h.Healthy = !h.Blocked && h.AccountHealthy
	return h
}
