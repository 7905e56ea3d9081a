package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/clock"
)

const (
	sinkTimeout = 10 * time.Second

	recStop    = "STOP all activity immediately - manual verification required"
	recVerify  = "Stop all automated activity immediately and verify account manually"
	recReduce  = "Reduce activity and monitor account status"
	recRate    = "Rate limit hit - reduce request frequency"
	recAuth    = "Authentication or access issue - check account status"
	recMonitor = "Monitor account closely - verification may be required"
)

// Detector 异常检测器，并发安全
type Detector struct {
	policy     Policy
	checkpoint []*regexp.Regexp
	errorTier  []*regexp.Regexp
	clock      clock.Clock
	logger     *zap.Logger
	sinks      []Sink
	session    func() string

	mu     sync.Mutex
	total  int64
	last   time.Time
	recent []time.Time // 窗口内的检测时间，升序
	byType map[Type]int64

	pending sync.WaitGroup
}

// Option Detector 可选项
type Option func(*Detector)

func WithClock(c clock.Clock) Option  { return func(d *Detector) { d.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(d *Detector) { d.logger = l } }

// WithSinks 追加检测事件下游，事件异步投递
func WithSinks(s ...Sink) Option { return func(d *Detector) { d.sinks = append(d.sinks, s...) } }

// WithSessionID 为事件附加会话标识
func WithSessionID(fn func() string) Option { return func(d *Detector) { d.session = fn } }

// New 创建检测器；策略中的正则非法时返回 VALIDATION 错误
func New(policy Policy, opts ...Option) (*Detector, error) {
	policy = policy.withDefaults()
	cp, err := compilePatterns(policy.CheckpointPatterns)
	if err != nil {
		return nil, err
	}
	et, err := compilePatterns(policy.ErrorPatterns)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		policy:     policy,
		checkpoint: cp,
		errorTier:  et,
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		byType:     make(map[Type]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Policy 当前策略
func (d *Detector) Policy() Policy { return d.policy }

// CheckHTML 页面结构标记，优先级最高
func (d *Detector) CheckHTML(html string) Report {
	if html == "" {
		return Report{}
	}
	for _, marker := range d.policy.HTMLMarkers {
		if strings.Contains(html, marker) {
			return d.detected("html", Report{
				Detected:       true,
				Type:           TypeCheckpointHTML,
				Confidence:     d.policy.Confidences.HTML,
				Message:        "Checkpoint page structure detected in HTML",
				Recommendation: recStop,
			})
		}
	}
	return Report{}
}

// CheckResponse 序列化后的响应文本按两层模式匹配，安全检查层优先
func (d *Detector) CheckResponse(v any) Report {
	text, ok := responseText(v)
	if !ok {
		return Report{}
	}
	if matchAny(d.checkpoint, text) {
		return d.detected("response", Report{
			Detected:       true,
			Type:           TypeCheckpoint,
			Confidence:     d.policy.Confidences.Checkpoint,
			Message:        "Checkpoint or verification page detected",
			Recommendation: recVerify,
		})
	}
	if matchAny(d.errorTier, text) {
		return d.detected("response", Report{
			Detected:       true,
			Type:           TypeError,
			Confidence:     d.policy.Confidences.Error,
			Message:        "Potential account issue detected",
			Recommendation: recReduce,
		})
	}
	return Report{}
}

func responseText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case []byte:
		return string(x), len(x) > 0
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x), true
		}
		return string(b), true
	}
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// CheckStatusCode 可疑状态码；429 单独标注为限流
func (d *Detector) CheckStatusCode(code int) Report {
	if !slices.Contains(d.policy.SuspiciousStatus, code) {
		return Report{}
	}
	rec := recAuth
	if code == http.StatusTooManyRequests {
		rec = recRate
	}
	return d.detected("status", Report{
		Detected:       true,
		Type:           TypeHTTPError,
		Confidence:     d.policy.Confidences.HTTP,
		Message:        fmt.Sprintf("HTTP %d received", code),
		Recommendation: rec,
		StatusCode:     code,
	})
}

// CheckCookies Cookie 中的安全检查标记
func (d *Detector) CheckCookies(cookies []*http.Cookie) Report {
	if len(cookies) == 0 {
		return Report{}
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	joined := strings.Join(parts, ";")
	for _, marker := range d.policy.CookieMarkers {
		if strings.Contains(joined, marker) {
			return d.detected("cookie", Report{
				Detected:       true,
				Type:           TypeCheckpointCookie,
				Confidence:     d.policy.Confidences.Cookie,
				Message:        "Checkpoint indicators in cookies",
				Recommendation: recMonitor,
			})
		}
	}
	return Report{}
}

// Inspect 按优先级检查一次响应，返回第一个命中的结果
func (d *Detector) Inspect(resp *Response) Report {
	if resp == nil {
		return Report{}
	}
	if r := d.CheckHTML(resp.Body); r.Detected {
		return r
	}
	var text any = resp.Body
	if resp.Body == "" {
		text = resp.Data
	}
	if r := d.CheckResponse(text); r.Detected {
		return r
	}
	if r := d.CheckStatusCode(resp.StatusCode); r.Detected {
		return r
	}
	return d.CheckCookies(resp.Cookies)
}

// detected 记录一次检测、写日志并异步投递给下游
func (d *Detector) detected(source string, r Report) Report {
	now := d.clock.Now()

	d.mu.Lock()
	d.total++
	d.last = now
	d.byType[r.Type]++
	d.recent = append(d.pruneLocked(now), now)
	d.mu.Unlock()

	fields := []zap.Field{
		zap.String("type", string(r.Type)),
		zap.String("source", source),
		zap.Float64("confidence", r.Confidence),
		zap.String("recommendation", r.Recommendation),
	}
	if r.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", r.StatusCode))
	}
	if r.Escalated(d.policy.EscalationThreshold) {
		d.logger.Error("checkpoint detected, immediate action required", fields...)
	} else {
		d.logger.Warn("potential account issue detected", fields...)
	}

	if len(d.sinks) > 0 {
		e := Event{Report: r, Source: source, DetectedAt: now}
		if d.session != nil {
			e.SessionID = d.session()
		}
		d.dispatch(e)
	}
	return r
}

func (d *Detector) dispatch(e Event) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		for _, s := range d.sinks {
			if err := s.Record(ctx, e); err != nil {
				d.logger.Warn("anomaly sink failed", zap.String("type", string(e.Type)), zap.Error(err))
			}
		}
	}()
}

// Flush 等待所有已触发的下游投递完成
func (d *Detector) Flush() { d.pending.Wait() }

// pruneLocked 丢弃窗口外的检测时间
func (d *Detector) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-d.policy.Window)
	i := 0
	for i < len(d.recent) && !d.recent[i].After(cutoff) {
		i++
	}
	return d.recent[i:]
}

// IsAccountHealthy 窗口内检测次数达到阈值时返回 false
func (d *Detector) IsAccountHealthy() bool {
	d.mu.Lock()
	d.recent = d.pruneLocked(d.clock.Now())
	n := len(d.recent)
	d.mu.Unlock()

	if n >= d.policy.UnhealthyCount {
		d.logger.Error("account health critical, multiple checkpoints detected recently",
			zap.Int("recent_detections", n), zap.Duration("window", d.policy.Window))
		return false
	}
	return true
}

// Stats 检测统计
type Stats struct {
	TotalDetections        int64          `json:"total_detections"`
	RecentDetections       int            `json:"recent_detections"`
	LastDetection          time.Time      `json:"last_detection,omitzero"`
	TimeSinceLastDetection time.Duration  `json:"time_since_last_detection,omitempty"`
	ByType                 map[Type]int64 `json:"by_type,omitempty"`
	Healthy                bool           `json:"healthy"`
}

// Stats 获取统计信息
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	d.recent = d.pruneLocked(now)
	s := Stats{
		TotalDetections:  d.total,
		RecentDetections: len(d.recent),
		LastDetection:    d.last,
		ByType:           make(map[Type]int64, len(d.byType)),
		Healthy:          len(d.recent) < d.policy.UnhealthyCount,
	}
	if !d.last.IsZero() {
		s.TimeSinceLastDetection = now.Sub(d.last)
	}
	for k, v := range d.byType {
		s.ByType[k] = v
	}
	return s
}

// Preload 把其它进程记录的检测时间并入健康窗口，返回实际并入的条数。
// 只影响账号健康判断，不计入本进程的检测总数，也不投递给下游。
func (d *Detector) Preload(times []time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	cutoff := now.Add(-d.policy.Window)
	n := 0
	for _, t := range times {
		if !t.After(cutoff) || t.After(now) {
			continue
		}
		d.recent = append(d.recent, t)
		if t.After(d.last) {
			d.last = t
		}
		n++
	}
	slices.SortFunc(d.recent, func(a, b time.Time) int { return a.Compare(b) })
	return n
}

// Reset 清空检测记录
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total = 0
	d.last = time.Time{}
	d.recent = nil
	d.byType = make(map[Type]int64)
	d.logger.Info("anomaly detector reset")
}
