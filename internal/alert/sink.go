// Package alert 把异常检测事件推送到外部告警 Webhook。
package alert

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/anomaly"
)

// Payload 推送内容
type Payload struct {
	EventID   string        `json:"event_id"`
	Event     string        `json:"event"`
	Timestamp int64         `json:"timestamp"`
	Escalated bool          `json:"escalated"`
	Detection anomaly.Event `json:"detection"`
}

// Sink 实现 anomaly.Sink。只推送置信度不低于 MinConfidence 的事件
type Sink struct {
	webhook       *Webhook
	deduper       *Deduper
	logger        *zap.Logger
	minConfidence float64
	escalation    float64

	sent       atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
}

// NewSink 创建告警下游；deduper 可为 nil
func NewSink(w *Webhook, d *Deduper, minConfidence, escalation float64, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{webhook: w, deduper: d, logger: logger, minConfidence: minConfidence, escalation: escalation}
}

func (s *Sink) Record(ctx context.Context, e anomaly.Event) error {
	if e.Confidence < s.minConfidence {
		s.suppressed.Add(1)
		return nil
	}
	if s.deduper != nil {
		dup, err := s.deduper.IsDuplicate(ctx, e.SessionID+":"+string(e.Type))
		if err != nil {
			// 去重不可用时宁可重复告警
			s.logger.Warn("alert dedup unavailable", zap.Error(err))
		} else if dup {
			s.suppressed.Add(1)
			return nil
		}
	}

	p := Payload{
		EventID:   uuid.NewString(),
		Event:     "anomaly.detected",
		Timestamp: e.DetectedAt.UnixMilli(),
		Escalated: e.Escalated(s.escalation),
		Detection: e,
	}
	code, _, err := s.webhook.Send(ctx, p)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("alert push failed",
			zap.String("event_id", p.EventID),
			zap.String("type", string(e.Type)),
			zap.Int("status", code),
			zap.Error(err))
		return err
	}
	s.sent.Add(1)
	s.logger.Info("alert pushed", zap.String("event_id", p.EventID), zap.String("type", string(e.Type)))
	return nil
}

// Stats 推送统计
type Stats struct {
	Sent       int64 `json:"sent"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
}

func (s *Sink) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Suppressed: s.suppressed.Load(), Failed: s.failed.Load()}
}
