package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/activity"
	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/session"
)

// sample 返回 name 指标中标签完全匹配的样本值
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue()
			case m.Gauge != nil:
				return m.GetGauge().GetValue()
			case m.Histogram != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestAppMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAppMetrics(reg)

	m.ObserveGate(session.OutcomeAdmitted, 1500*time.Millisecond)
	m.ObserveGate(session.OutcomeBudget, 0)
	m.ObserveCall(nil)
	m.ObserveCall(errors.New("reset"))
	m.ObserveCall(errors.New("reset"))
	require.NoError(t, m.Record(context.Background(), anomaly.Event{
		Report: anomaly.Report{Detected: true, Type: anomaly.TypeHTTPError}, Source: "status",
	}))

	var got []realtime.EventKind
	h := m.WrapRealtime(func(e realtime.Event) { got = append(got, e.Kind) })
	h(realtime.Event{Kind: realtime.EventConnect})
	m.WrapRealtime(nil)(realtime.Event{Kind: realtime.EventError})

	assert.Equal(t, 1.0, sample(t, reg, "chatguard_gate_total", map[string]string{"outcome": "admitted"}))
	assert.Equal(t, 1.0, sample(t, reg, "chatguard_gate_total", map[string]string{"outcome": "budget_exhausted"}))
	assert.Equal(t, 2.0, sample(t, reg, "chatguard_call_attempts_total", map[string]string{"result": "error"}))
	assert.Equal(t, 1.0, sample(t, reg, "chatguard_detections_total", map[string]string{"type": "http_error", "source": "status"}))
	assert.Equal(t, 1.0, sample(t, reg, "chatguard_realtime_events_total", map[string]string{"kind": "error"}))
	assert.Equal(t, 1.0, sample(t, reg, "chatguard_gate_wait_seconds", nil), "只统计放行的等待")
	assert.Equal(t, []realtime.EventKind{realtime.EventConnect}, got)
}

func TestHealthGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	snap := session.Health{
		Healthy:  true,
		Activity: activity.Stats{HourlyPercent: 40, DailyPercent: 5},
		Channel:  &realtime.Stats{Quality: 88},
	}
	calls := 0
	RegisterHealthGauges(reg, func() session.Health {
		calls++
		return snap
	})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 8)
	assert.Equal(t, 1, calls, "每次抓取只取一次快照")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	assert.Equal(t, 88.0, sample(t, reg, "chatguard_realtime_quality", nil))
	snap.Channel = nil
	assert.Equal(t, -1.0, sample(t, reg, "chatguard_realtime_quality", nil))
	assert.Equal(t, 40.0, sample(t, reg, "chatguard_activity_hourly_usage_percent", nil))
	assert.Equal(t, 1.0, sample(t, reg, "chatguard_session_healthy", nil))
}
