package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/chatguard/internal/session"
)

// Snapshot 会话健康快照来源
type Snapshot func() session.Health

// AccountChecker 账号状态：封禁锁存或检测窗口内告警过多即不健康
type AccountChecker struct {
	snapshot Snapshot
}

// NewAccountChecker 创建检查器
func NewAccountChecker(snapshot Snapshot) *AccountChecker {
	return &AccountChecker{snapshot: snapshot}
}

func (c *AccountChecker) Name() string { return "account" }

func (c *AccountChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	h := c.snapshot()
	details := map[string]any{
		"recent_detections": h.Detections.RecentDetections,
		"total_detections":  h.Detections.TotalDetections,
		"breaker":           h.Breaker.State,
		"refused_total":     h.RefusedTotal,
	}

	status, message := StatusHealthy, "ok"
	switch {
	case h.Blocked:
		status, message = StatusUnhealthy, "session blocked: "+h.BlockedReason
	case !h.AccountHealthy:
		status = StatusUnhealthy
		message = fmt.Sprintf("%d recent detections", h.Detections.RecentDetections)
	case h.Breaker.State == "open":
		status, message = StatusDegraded, "transport circuit open"
	}
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}

// ActivityChecker 活动预算：接近上限或会话过长时降级
type ActivityChecker struct {
	snapshot    Snapshot
	warnPercent int
}

// NewActivityChecker warnPercent<=0 时取 90
func NewActivityChecker(snapshot Snapshot, warnPercent int) *ActivityChecker {
	if warnPercent <= 0 {
		warnPercent = 90
	}
	return &ActivityChecker{snapshot: snapshot, warnPercent: warnPercent}
}

func (c *ActivityChecker) Name() string { return "activity" }

func (c *ActivityChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	h := c.snapshot()
	a := h.Activity
	details := map[string]any{
		"profile":        a.Profile,
		"hourly_percent": a.HourlyPercent,
		"daily_percent":  a.DailyPercent,
		"session_age":    a.SessionAge.String(),
		"in_flight":      h.InFlight.Active,
	}

	status, message := StatusHealthy, "ok"
	switch {
	case a.DailyPercent >= 100 || a.HourlyPercent >= 100:
		status, message = StatusDegraded, "activity budget exhausted"
	case a.DailyPercent >= c.warnPercent || a.HourlyPercent >= c.warnPercent:
		status, message = StatusDegraded, "activity budget near limit"
	case !h.SessionHealthy:
		status, message = StatusDegraded, "session pattern unusual"
	}
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}

// ChannelChecker 实时通道：未监听视为健康，重连中或质量过低为降级
type ChannelChecker struct {
	snapshot   Snapshot
	minQuality int
}

// NewChannelChecker minQuality<=0 时取 50
func NewChannelChecker(snapshot Snapshot, minQuality int) *ChannelChecker {
	if minQuality <= 0 {
		minQuality = 50
	}
	return &ChannelChecker{snapshot: snapshot, minQuality: minQuality}
}

func (c *ChannelChecker) Name() string { return "realtime" }

func (c *ChannelChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	ch := c.snapshot().Channel
	if ch == nil {
		return CheckResult{Status: StatusHealthy, Message: "not listening", Latency: time.Since(start)}
	}
	details := map[string]any{
		"state":              ch.State,
		"quality":            ch.Quality,
		"reconnect_attempts": ch.ReconnectAttempts,
		"messages":           ch.MessageCount,
		"malformed":          ch.MalformedCount,
	}

	status, message := StatusHealthy, "ok"
	switch {
	case !ch.Connected:
		status, message = StatusDegraded, "channel "+ch.State
	case ch.Quality < c.minQuality:
		status = StatusDegraded
		message = fmt.Sprintf("connection quality %d below %d", ch.Quality, c.minQuality)
	}
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}
