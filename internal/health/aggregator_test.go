package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status, Message: "mock", Latency: time.Millisecond}
}

func TestAggregator_OverallStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
		ready    bool
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy, true},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded, true},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy, false},
		{"empty", nil, StatusHealthy, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, s := range tc.statuses {
				agg.AddChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			assert.Equal(t, tc.want, agg.OverallStatus(context.Background()))
			assert.Equal(t, tc.ready, agg.Ready(context.Background()))
			assert.True(t, agg.Alive())
		})
	}
}

func TestAggregator_Report(t *testing.T) {
	agg := NewAggregator(&mockChecker{"account", StatusHealthy}, &mockChecker{"realtime", StatusDegraded})
	fixed := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	report := agg.Report(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, fixed, report.Timestamp)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, StatusDegraded, report.Checks["realtime"].Status)
}

func TestAggregator_PerCheckTimeout(t *testing.T) {
	agg := NewAggregator(CheckerFunc{
		CheckName: "slow",
		Fn: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Status: StatusUnhealthy, Message: ctx.Err().Error()}
		},
	})
	agg.SetTimeout(20 * time.Millisecond)

	results := agg.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), results["slow"].Message)
}

func TestReadiness(t *testing.T) {
	agg := NewAggregator(&mockChecker{"account", StatusHealthy})
	r := NewReadiness(agg)
	ctx := context.Background()

	assert.False(t, r.Ready(ctx))
	r.SetBootstrapped(true)
	assert.True(t, r.Bootstrapped())
	assert.True(t, r.Ready(ctx))

	agg.AddChecker(&mockChecker{"journal", StatusUnhealthy})
	assert.False(t, r.Ready(ctx))

	assert.True(t, func() bool { r := NewReadiness(nil); r.SetBootstrapped(true); return r.Ready(ctx) }())
}
