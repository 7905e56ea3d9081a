package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/config"
)

const maxProbeBody = 1 << 20

// probe 启动时的账号状态请求
type probe struct {
	url    string
	cookie string
	client *http.Client
}

func newProbe(cfg config.ProbeConfig) *probe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &probe{url: cfg.URL, cookie: cfg.Cookie, client: &http.Client{Timeout: timeout}}
}

// Call 以身份请求头访问探测地址，原样返回状态码、正文与 Cookie
func (p *probe) Call(ctx context.Context, header http.Header) (*anomaly.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if p.cookie != "" {
		req.Header.Set("Cookie", p.cookie)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, fmt.Errorf("read probe body: %w", err)
	}
	return &anomaly.Response{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Cookies:    resp.Cookies(),
	}, nil
}
