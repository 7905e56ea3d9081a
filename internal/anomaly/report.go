package anomaly

import (
	"net/http"
	"time"
)

// Report 检测结果
type Report struct {
	Detected       bool    `json:"detected"`
	Type           Type    `json:"type,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Message        string  `json:"message,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
	StatusCode     int     `json:"status_code,omitempty"`
}

// Escalated 置信度是否达到升级阈值
func (r Report) Escalated(threshold float64) bool {
	return r.Detected && r.Confidence >= threshold
}

// Response 一次出站调用的结果，交给 Inspect 检查
type Response struct {
	StatusCode int
	Body       string // 原始响应文本/HTML
	Data       any    // 已解码的响应，Body 为空时序列化后参与文本匹配
	Cookies    []*http.Cookie
}

// Event 发往 Sink 的检测事件
type Event struct {
	Report
	Source     string    `json:"source"` // html/response/status/cookie/probe
	SessionID  string    `json:"session_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}
