package anomaly

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newDetector(t *testing.T, opts ...Option) (*Detector, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(t0)
	d, err := New(Policy{}, append([]Option{WithClock(c)}, opts...)...)
	require.NoError(t, err)
	return d, c
}

func TestCheckHTML(t *testing.T) {
	d, _ := newDetector(t)

	r := d.CheckHTML(`<html><div id="checkpoint"><h1>Please verify</h1></div></html>`)
	assert.True(t, r.Detected)
	assert.Equal(t, TypeCheckpointHTML, r.Type)
	assert.Equal(t, 0.95, r.Confidence)
	assert.NotEmpty(t, r.Recommendation)

	r = d.CheckHTML(`<html><body><div id="inbox">hello</div></body></html>`)
	assert.False(t, r.Detected)
	assert.Equal(t, int64(1), d.Stats().TotalDetections)
}

func TestCheckResponse_TierOrder(t *testing.T) {
	d, _ := newDetector(t)

	// 同时包含两层关键词时，安全检查层优先
	r := d.CheckResponse("Your session expired. Please verify your identity.")
	assert.Equal(t, TypeCheckpoint, r.Type)
	assert.Equal(t, 0.9, r.Confidence)

	r = d.CheckResponse(map[string]any{"error": "Too many requests, please try later"})
	assert.Equal(t, TypeError, r.Type)
	assert.Equal(t, 0.7, r.Confidence)

	r = d.CheckResponse([]byte(`{"ok":true,"payload":"hello"}`))
	assert.False(t, r.Detected)
	assert.False(t, d.CheckResponse(nil).Detected)

	// 大小写不敏感
	assert.True(t, d.CheckResponse("TWO-FACTOR authentication").Detected)
}

func TestCheckStatusCode(t *testing.T) {
	d, _ := newDetector(t)
	for _, code := range []int{401, 403, 503} {
		r := d.CheckStatusCode(code)
		assert.True(t, r.Detected)
		assert.Equal(t, TypeHTTPError, r.Type)
		assert.Equal(t, 0.6, r.Confidence)
		assert.Equal(t, code, r.StatusCode)
		assert.Contains(t, r.Recommendation, "access")
	}
	r := d.CheckStatusCode(http.StatusTooManyRequests)
	assert.Contains(t, r.Recommendation, "Rate limit")
	assert.False(t, d.CheckStatusCode(200).Detected)
	assert.False(t, d.CheckStatusCode(500).Detected)
}

func TestCheckCookies(t *testing.T) {
	d, _ := newDetector(t)
	r := d.CheckCookies([]*http.Cookie{{Name: "c_user", Value: "1"}, {Name: "checkpoint", Value: "x"}})
	assert.True(t, r.Detected)
	assert.Equal(t, TypeCheckpointCookie, r.Type)
	assert.Equal(t, 0.8, r.Confidence)
	assert.False(t, d.CheckCookies([]*http.Cookie{{Name: "c_user", Value: "1"}}).Detected)
}

func TestInspect_Priority(t *testing.T) {
	d, _ := newDetector(t)

	r := d.Inspect(&Response{StatusCode: 403, Body: `<div class="checkpoint">verify your identity</div>`})
	assert.Equal(t, TypeCheckpointHTML, r.Type)

	r = d.Inspect(&Response{StatusCode: 429, Data: map[string]string{"message": "rate limit exceeded"}})
	assert.Equal(t, TypeError, r.Type)

	r = d.Inspect(&Response{StatusCode: 429, Body: "{}"})
	assert.Equal(t, TypeHTTPError, r.Type)

	assert.False(t, d.Inspect(&Response{StatusCode: 200, Body: `{"ok":true}`}).Detected)
	assert.False(t, d.Inspect(nil).Detected)

	// 每次命中只记一次
	assert.Equal(t, int64(3), d.Stats().TotalDetections)
}

func TestIsAccountHealthy_TrailingHour(t *testing.T) {
	t.Run("three within 59 minutes", func(t *testing.T) {
		d, c := newDetector(t)
		d.CheckStatusCode(403)
		c.Advance(30 * time.Minute)
		d.CheckStatusCode(403)
		assert.True(t, d.IsAccountHealthy())
		c.Advance(29 * time.Minute)
		d.CheckStatusCode(403)
		assert.False(t, d.IsAccountHealthy())
	})

	t.Run("third after 61 minutes", func(t *testing.T) {
		d, c := newDetector(t)
		d.CheckStatusCode(403)
		c.Advance(30 * time.Minute)
		d.CheckStatusCode(403)
		c.Advance(31 * time.Minute)
		d.CheckStatusCode(403)
		assert.True(t, d.IsAccountHealthy())
		st := d.Stats()
		assert.Equal(t, int64(3), st.TotalDetections, "总数单调递增")
		assert.Equal(t, 2, st.RecentDetections)
	})

	t.Run("recovers once window passes", func(t *testing.T) {
		d, c := newDetector(t)
		for i := 0; i < 3; i++ {
			d.CheckHTML(`id="checkpoint"`)
		}
		assert.False(t, d.IsAccountHealthy())
		c.Advance(time.Hour)
		assert.True(t, d.IsAccountHealthy())
	})
}

func TestPreload(t *testing.T) {
	d, c := newDetector(t)
	c.Advance(2 * time.Hour)
	now := c.Now()

	n := d.Preload([]time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-90 * time.Minute), // 窗口外
		now.Add(-40 * time.Minute),
		now.Add(time.Minute), // 未来时间
	})
	assert.Equal(t, 2, n)

	st := d.Stats()
	assert.Zero(t, st.TotalDetections)
	assert.Equal(t, 2, st.RecentDetections)
	assert.Equal(t, now.Add(-10*time.Minute), st.LastDetection)
	assert.True(t, d.IsAccountHealthy())

	d.CheckStatusCode(403)
	assert.False(t, d.IsAccountHealthy(), "本地检测与预载记录共同计数")

	c.Advance(21 * time.Minute)
	assert.Equal(t, 2, d.Stats().RecentDetections, "预载记录照常滑出窗口")
}

func TestPolicy_Configurable(t *testing.T) {
	c := clock.Fake(t0)
	d, err := New(Policy{
		HTMLMarkers:    []string{"captcha-frame"},
		UnhealthyCount: 1,
		Confidences:    Confidences{HTML: 0.5},
	}, WithClock(c))
	require.NoError(t, err)

	assert.False(t, d.CheckHTML(`<div id="checkpoint">`).Detected)
	r := d.CheckHTML(`<iframe class="captcha-frame">`)
	assert.Equal(t, 0.5, r.Confidence)
	assert.False(t, r.Escalated(d.Policy().EscalationThreshold))
	assert.False(t, d.IsAccountHealthy())

	_, err = New(Policy{ErrorPatterns: []string{"(unclosed"}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *memorySink) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestSinks(t *testing.T) {
	sink := &memorySink{}
	failing := SinkFunc(func(context.Context, Event) error { return assert.AnError })
	d, _ := newDetector(t, WithSinks(failing, sink), WithSessionID(func() string { return "sess-1" }))

	d.CheckStatusCode(401)
	d.CheckResponse("nothing to see")
	d.CheckHTML(`security_checkpoint`)
	d.Flush()

	require.Len(t, sink.events, 2)
	types := []Type{sink.events[0].Type, sink.events[1].Type}
	assert.ElementsMatch(t, []Type{TypeHTTPError, TypeCheckpointHTML}, types)
	for _, e := range sink.events {
		assert.Equal(t, "sess-1", e.SessionID)
		assert.Equal(t, t0, e.DetectedAt)
	}
}

func TestReset(t *testing.T) {
	d, _ := newDetector(t)
	d.CheckStatusCode(403)
	d.Reset()
	st := d.Stats()
	assert.Zero(t, st.TotalDetections)
	assert.True(t, st.LastDetection.IsZero())
	assert.True(t, st.Healthy)
}
