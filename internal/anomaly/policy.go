// Package anomaly 识别安全检查、账号异常与可疑状态码，并据近一小时的检测次数给出账号健康结论。
package anomaly

import (
	"fmt"
	"regexp"
	"time"

	"github.com/taoyao-code/chatguard/internal/apperr"
)

// Type 检测类型
type Type string

const (
	TypeCheckpointHTML   Type = "checkpoint_html"
	TypeCheckpoint       Type = "checkpoint"
	TypeError            Type = "error"
	TypeHTTPError        Type = "http_error"
	TypeCheckpointCookie Type = "checkpoint_cookie"
)

// Confidences 各通道的置信度
type Confidences struct {
	HTML       float64 `mapstructure:"html"`
	Checkpoint float64 `mapstructure:"checkpoint"`
	Error      float64 `mapstructure:"error"`
	HTTP       float64 `mapstructure:"http"`
	Cookie     float64 `mapstructure:"cookie"`
}

// Policy 检测策略，全部可配置
type Policy struct {
	HTMLMarkers         []string      `mapstructure:"htmlMarkers"`
	CheckpointPatterns  []string      `mapstructure:"checkpointPatterns"`
	ErrorPatterns       []string      `mapstructure:"errorPatterns"`
	SuspiciousStatus    []int         `mapstructure:"suspiciousStatus"`
	CookieMarkers       []string      `mapstructure:"cookieMarkers"`
	Confidences         Confidences   `mapstructure:"confidences"`
	EscalationThreshold float64       `mapstructure:"escalationThreshold"` // 达到该置信度按 error 级别记录
	UnhealthyCount      int           `mapstructure:"unhealthyCount"`      // 窗口内检测次数达到该值判定账号不健康
	Window              time.Duration `mapstructure:"window"`
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		HTMLMarkers: []string{
			`id="checkpoint"`,
			"checkpoint_title",
			"checkpoint-subtitle",
			"security_checkpoint",
			"identity_verification",
			`class="checkpoint"`,
		},
		CheckpointPatterns: []string{
			`checkpoint`,
			`verify.*identity`,
			`confirm.*account`,
			`suspicious.*activity`,
			`review.*required`,
			`security.*check`,
			`unusual.*activity`,
			`verify.*you`,
			`confirm.*phone`,
			`two.*factor`,
			`authentication.*required`,
		},
		ErrorPatterns: []string{
			`session.*expired`,
			`login.*again`,
			`account.*locked`,
			`temporarily.*blocked`,
			`rate.*limit`,
			`too.*many.*requests`,
			`please.*try.*later`,
		},
		SuspiciousStatus: []int{401, 403, 429, 503},
		CookieMarkers:    []string{"checkpoint", "verification"},
		Confidences: Confidences{
			HTML:       0.95,
			Checkpoint: 0.9,
			Error:      0.7,
			HTTP:       0.6,
			Cookie:     0.8,
		},
		EscalationThreshold: 0.8,
		UnhealthyCount:      3,
		Window:              time.Hour,
	}
}

// withDefaults 用默认值填充未配置的字段
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if len(p.HTMLMarkers) == 0 {
		p.HTMLMarkers = d.HTMLMarkers
	}
	if len(p.CheckpointPatterns) == 0 {
		p.CheckpointPatterns = d.CheckpointPatterns
	}
	if len(p.ErrorPatterns) == 0 {
		p.ErrorPatterns = d.ErrorPatterns
	}
	if len(p.SuspiciousStatus) == 0 {
		p.SuspiciousStatus = d.SuspiciousStatus
	}
	if len(p.CookieMarkers) == 0 {
		p.CookieMarkers = d.CookieMarkers
	}
	fill := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&p.Confidences.HTML, d.Confidences.HTML)
	fill(&p.Confidences.Checkpoint, d.Confidences.Checkpoint)
	fill(&p.Confidences.Error, d.Confidences.Error)
	fill(&p.Confidences.HTTP, d.Confidences.HTTP)
	fill(&p.Confidences.Cookie, d.Confidences.Cookie)
	fill(&p.EscalationThreshold, d.EscalationThreshold)
	if p.UnhealthyCount <= 0 {
		p.UnhealthyCount = d.UnhealthyCount
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}

// compilePatterns 编译为大小写不敏感的正则
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err,
				fmt.Sprintf("invalid anomaly pattern %q", p), "fix the pattern in anomaly policy")
		}
		out = append(out, re)
	}
	return out, nil
}
