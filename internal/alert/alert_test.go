package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/retry"
)

func TestSign(t *testing.T) {
	c := canonical("post", "/hook", 1700000000, "abcd", []byte(`{}`))
	sig := Sign("secret", c)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("secret", c, sig))
	assert.False(t, Verify("other", c, sig))
}

// verifyingServer 校验签名；fail 次 5xx 后返回 200
func verifyingServer(t *testing.T, fail int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		c := canonical(r.Method, r.URL.Path, ts, r.Header.Get("X-Nonce"), body)
		if r.Header.Get("X-Api-Key") != "key" || !Verify("secret", c, r.Header.Get("X-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n <= fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func fastWebhook(url string) *Webhook {
	w := NewWebhook(nil, url, "key", "secret", nil)
	w.SetRetry(retry.Config{MaxAttempts: 4, InitialDelay: time.Millisecond})
	return w
}

func TestWebhook_SendSigned(t *testing.T) {
	var calls atomic.Int32
	srv := verifyingServer(t, 0, &calls)
	defer srv.Close()

	code, body, err := fastWebhook(srv.URL+"/hook").Send(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := verifyingServer(t, 2, &calls)
	defer srv.Close()

	code, _, err := fastWebhook(srv.URL+"/hook").Send(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ServerErrorsExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := verifyingServer(t, 10, &calls)
	defer srv.Close()

	code, _, err := fastWebhook(srv.URL+"/hook").Send(context.Background(), map[string]any{"x": 1})
	require.EqualError(t, err, "webhook http 502")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, int32(4), calls.Load())
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := verifyingServer(t, 0, &calls)
	defer srv.Close()

	w := fastWebhook(srv.URL + "/hook")
	w.Secret = "wrong"
	code, _, err := w.Send(context.Background(), map[string]any{"x": 1})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSink(t *testing.T) {
	var got []Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got = append(got, p)
	}))
	defer srv.Close()

	s := NewSink(fastWebhook(srv.URL), nil, 0.7, 0.8, nil)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	low := anomaly.Event{Report: anomaly.Report{Detected: true, Type: anomaly.TypeHTTPError, Confidence: 0.6}, DetectedAt: at}
	high := anomaly.Event{Report: anomaly.Report{Detected: true, Type: anomaly.TypeCheckpointHTML, Confidence: 0.95}, SessionID: "s1", DetectedAt: at}
	require.NoError(t, s.Record(ctx, low))
	require.NoError(t, s.Record(ctx, high))

	require.Len(t, got, 1)
	assert.Equal(t, "anomaly.detected", got[0].Event)
	assert.True(t, got[0].Escalated)
	assert.Equal(t, anomaly.TypeCheckpointHTML, got[0].Detection.Type)
	assert.Equal(t, at.UnixMilli(), got[0].Timestamp)
	assert.NotEmpty(t, got[0].EventID)
	assert.Equal(t, Stats{Sent: 1, Suppressed: 1}, s.Stats())
}

func TestDeduper_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	key := "test:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() {
		client.Del(ctx, dedupKeyPrefix+":"+key)
		_ = client.Close()
	})

	d := NewDeduper(client, nil, time.Minute)
	dup, err := d.IsDuplicate(ctx, key)
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = d.IsDuplicate(ctx, key)
	require.NoError(t, err)
	assert.True(t, dup)

	_, err = d.IsDuplicate(ctx, "")
	assert.Error(t, err)
}
