package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/session"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	GateTotal       *prometheus.CounterVec // labels: outcome
	GateWait        prometheus.Histogram   // 放行前的累计等待
	CallsTotal      *prometheus.CounterVec // labels: result=ok|error
	DetectionsTotal *prometheus.CounterVec // labels: type, source
	RealtimeEvents  *prometheus.CounterVec // labels: kind
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		GateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_gate_total",
			Help: "Gated actions by outcome.",
		}, []string{"outcome"}),
		GateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatguard_gate_wait_seconds",
			Help:    "Time spent in throttle, budget and behavior pauses before an action is admitted.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_call_attempts_total",
			Help: "Outbound call attempts including retries.",
		}, []string{"result"}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_detections_total",
			Help: "Anomaly detections by type and source.",
		}, []string{"type", "source"}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_realtime_events_total",
			Help: "Realtime channel events by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.GateTotal, m.GateWait, m.CallsTotal, m.DetectionsTotal, m.RealtimeEvents)
	return m
}

// ObserveGate 实现 session.Observer
func (m *AppMetrics) ObserveGate(outcome string, wait time.Duration) {
	m.GateTotal.WithLabelValues(outcome).Inc()
	if outcome == session.OutcomeAdmitted {
		m.GateWait.Observe(wait.Seconds())
	}
}

// ObserveCall 实现 session.Observer
func (m *AppMetrics) ObserveCall(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CallsTotal.WithLabelValues(result).Inc()
}

// Record 实现 anomaly.Sink
func (m *AppMetrics) Record(_ context.Context, e anomaly.Event) error {
	m.DetectionsTotal.WithLabelValues(string(e.Type), e.Source).Inc()
	return nil
}

// WrapRealtime 统计事件后转交 next
func (m *AppMetrics) WrapRealtime(next realtime.Handler) realtime.Handler {
	return func(e realtime.Event) {
		m.RealtimeEvents.WithLabelValues(string(e.Kind)).Inc()
		if next != nil {
			next(e)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RegisterHealthGauges 暴露健康快照。每次抓取只调用一次 snapshot
func RegisterHealthGauges(reg prometheus.Registerer, snapshot func() session.Health) {
	reg.MustRegister(newHealthCollector(snapshot))
}

type healthGauge struct {
	desc  *prometheus.Desc
	value func(h session.Health) float64
}

type healthCollector struct {
	snapshot func() session.Health
	gauges   []healthGauge
}

func newHealthCollector(snapshot func() session.Health) *healthCollector {
	gauge := func(name, help string, fn func(h session.Health) float64) healthGauge {
		return healthGauge{desc: prometheus.NewDesc(name, help, nil, nil), value: fn}
	}
	return &healthCollector{
		snapshot: snapshot,
		gauges: []healthGauge{
			gauge("chatguard_session_healthy", "1 when the session is neither blocked nor unhealthy.",
				func(h session.Health) float64 { return boolGauge(h.Healthy) }),
			gauge("chatguard_session_blocked", "1 once the bootstrap account check latched SESSION_BLOCKED.",
				func(h session.Health) float64 { return boolGauge(h.Blocked) }),
			gauge("chatguard_activity_hourly_usage_percent", "Hourly action budget usage.",
				func(h session.Health) float64 { return float64(h.Activity.HourlyPercent) }),
			gauge("chatguard_activity_daily_usage_percent", "Daily action budget usage.",
				func(h session.Health) float64 { return float64(h.Activity.DailyPercent) }),
			gauge("chatguard_detections_recent", "Detections inside the health window.",
				func(h session.Health) float64 { return float64(h.Detections.RecentDetections) }),
			gauge("chatguard_throttle_tracked_entries", "Timestamps held by the throttle ledger.",
				func(h session.Health) float64 { return float64(h.Throttle.TrackedEntries) }),
			gauge("chatguard_actions_in_flight", "Actions currently holding an in-flight slot.",
				func(h session.Health) float64 { return float64(h.InFlight.Active) }),
			gauge("chatguard_realtime_quality", "Realtime connection quality score, -1 without a channel.",
				func(h session.Health) float64 {
					if h.Channel == nil {
						return -1
					}
					return float64(h.Channel.Quality)
				}),
		},
	}
}

func (c *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *healthCollector) Collect(ch chan<- prometheus.Metric) {
	h := c.snapshot()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(h))
	}
}
