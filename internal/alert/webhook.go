package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/jitter"
	"github.com/taoyao-code/chatguard/internal/retry"
)

// Webhook 签名的 JSON 推送，5xx 与网络错误按指数退避重试
type Webhook struct {
	Client *http.Client
	URL    string
	APIKey string
	Secret string

	clock   clock.Clock
	rnd     *jitter.Source
	retrier *retry.Retrier
}

// DefaultRetry 首次失败后 200ms 起翻倍，最多 4 次尝试
var DefaultRetry = retry.Config{MaxAttempts: 4, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// NewWebhook 创建推送器
func NewWebhook(client *http.Client, endpoint, apiKey, secret string, c clock.Clock) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if c == nil {
		c = clock.Real()
	}
	w := &Webhook{
		Client: client,
		URL:    endpoint,
		APIKey: apiKey,
		Secret: secret,
		clock:  c,
		rnd:    jitter.New(),
	}
	w.SetRetry(DefaultRetry)
	return w
}

// SetRetry 替换重试策略
func (w *Webhook) SetRetry(cfg retry.Config) {
	w.retrier = retry.New(cfg, retry.WithClock(w.clock))
}

type webhookResult struct {
	code int
	body []byte
}

// Send 发送 JSON，返回最终状态码与响应体
func (w *Webhook) Send(ctx context.Context, payload any) (int, []byte, error) {
	if w == nil || w.Client == nil {
		return 0, nil, errors.New("nil webhook")
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	res, err := retry.DoValue(ctx, w.retrier, func(ctx context.Context) (webhookResult, error) {
		// 每次尝试重新签名，时间戳保持新鲜
		ts := w.clock.Now().Unix()
		nonce := fmt.Sprintf("%08x", w.rnd.IntBetween(0, 1<<32-1))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return webhookResult{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", w.APIKey)
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", Sign(w.Secret, canonical(http.MethodPost, u.Path, ts, nonce, body)))

		resp, err := w.Client.Do(req)
		if err != nil {
			return webhookResult{}, err
		}
		out := webhookResult{code: resp.StatusCode}
		out.body, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		switch {
		case out.code >= 500:
			return out, fmt.Errorf("webhook http %d", out.code)
		case out.code >= 300:
			// 仅对 5xx 重试
			return out, backoff.Permanent(fmt.Errorf("webhook http %d", out.code))
		}
		return out, nil
	})
	return res.code, res.body, err
}
