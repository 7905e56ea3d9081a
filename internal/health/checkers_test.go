package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/activity"
	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/retry"
	"github.com/taoyao-code/chatguard/internal/session"
)

func snapshotOf(h session.Health) Snapshot {
	return func() session.Health { return h }
}

func healthy() session.Health {
	return session.Health{
		Healthy:        true,
		AccountHealthy: true,
		SessionHealthy: true,
		Activity:       activity.Stats{Profile: "moderate", HourlyPercent: 10, DailyPercent: 20},
		Detections:     anomaly.Stats{Healthy: true},
		Breaker:        retry.BreakerStats{State: "closed"},
	}
}

func TestAccountChecker(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, NewAccountChecker(snapshotOf(healthy())).Check(ctx).Status)

	h := healthy()
	h.Blocked, h.BlockedReason = true, "checkpoint required"
	res := NewAccountChecker(snapshotOf(h)).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "checkpoint required")

	h = healthy()
	h.AccountHealthy = false
	h.Detections.RecentDetections = 4
	res = NewAccountChecker(snapshotOf(h)).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "4 recent detections", res.Message)

	h = healthy()
	h.Breaker.State = "open"
	assert.Equal(t, StatusDegraded, NewAccountChecker(snapshotOf(h)).Check(ctx).Status)
}

func TestActivityChecker(t *testing.T) {
	ctx := context.Background()
	c := NewActivityChecker(snapshotOf(healthy()), 0)
	assert.Equal(t, 90, c.warnPercent)
	assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

	h := healthy()
	h.Activity.DailyPercent = 95
	assert.Equal(t, "activity budget near limit", NewActivityChecker(snapshotOf(h), 90).Check(ctx).Message)

	h.Activity.HourlyPercent = 100
	assert.Equal(t, "activity budget exhausted", NewActivityChecker(snapshotOf(h), 90).Check(ctx).Message)

	h = healthy()
	h.SessionHealthy = false
	res := NewActivityChecker(snapshotOf(h), 90).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "session pattern unusual", res.Message)
}

func TestChannelChecker(t *testing.T) {
	ctx := context.Background()

	res := NewChannelChecker(snapshotOf(healthy()), 0).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "not listening", res.Message)

	h := healthy()
	h.Channel = &realtime.Stats{Connected: true, State: "connected", Quality: 100}
	assert.Equal(t, StatusHealthy, NewChannelChecker(snapshotOf(h), 50).Check(ctx).Status)

	h.Channel = &realtime.Stats{Connected: true, State: "connected", Quality: 30}
	res = NewChannelChecker(snapshotOf(h), 50).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "connection quality 30 below 50", res.Message)

	h.Channel = &realtime.Stats{State: "reconnecting", Quality: 100}
	res = NewChannelChecker(snapshotOf(h), 50).Check(ctx)
	assert.Equal(t, "channel reconnecting", res.Message)
}

type fakeRedis struct {
	err   error
	stats redis.PoolStats
}

func (f *fakeRedis) HealthCheck(context.Context) error { return f.err }
func (f *fakeRedis) Stats() *redis.PoolStats           { return &f.stats }

func TestRedisChecker(t *testing.T) {
	ctx := context.Background()

	res := NewRedisChecker(&fakeRedis{err: errors.New("dial tcp: refused")}).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)

	res = NewRedisChecker(&fakeRedis{stats: redis.PoolStats{TotalConns: 10, IdleConns: 8, Hits: 50, Misses: 2}}).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "20.0%", res.Details["utilization"])

	res = NewRedisChecker(&fakeRedis{stats: redis.PoolStats{TotalConns: 10, IdleConns: 0, Hits: 50}}).Check(ctx)
	assert.Equal(t, "connection pool near limit", res.Message)

	res = NewRedisChecker(&fakeRedis{stats: redis.PoolStats{TotalConns: 10, IdleConns: 5, Hits: 1, Misses: 9}}).Check(ctx)
	assert.Equal(t, "low connection pool hit rate", res.Message)
}

type fakeJournal struct {
	err   error
	stats sql.DBStats
}

func (f *fakeJournal) HealthCheck(context.Context) error { return f.err }
func (f *fakeJournal) DBStats() sql.DBStats              { return f.stats }

func TestJournalChecker(t *testing.T) {
	ctx := context.Background()

	res := NewJournalChecker(&fakeJournal{err: errors.New("connection refused")}).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewJournalChecker(&fakeJournal{stats: sql.DBStats{MaxOpenConnections: 5, InUse: 2}}).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewJournalChecker(&fakeJournal{stats: sql.DBStats{MaxOpenConnections: 5, InUse: 5, WaitCount: 3}}).Check(ctx)
	assert.Equal(t, "connection pool exhausted", res.Message)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := healthy()
	h.Activity.DailyPercent = 95
	agg := NewAggregator(NewAccountChecker(snapshotOf(h)), NewActivityChecker(snapshotOf(h), 90))
	ready := NewReadiness(agg)
	r := gin.New()
	RegisterHTTPRoutes(r, agg, ready, snapshotOf(h))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	ready.SetBootstrapped(true)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	w := get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Checks["activity"].Status)

	w = get("/health/session")
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, true, snap["account_healthy"])

	h.Blocked = true
	agg = NewAggregator(NewAccountChecker(snapshotOf(h)))
	r = gin.New()
	RegisterHTTPRoutes(r, agg, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusNotFound, get("/health/session").Code)
}
