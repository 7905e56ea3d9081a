// Package identity 生成并持久化稳定的合成设备身份。
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/jitter"
)

// Browser 浏览器名称与版本
type Browser struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Screen 屏幕参数
type Screen struct {
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	ColorDepth int `json:"colorDepth" yaml:"colorDepth"`
}

// DeviceIdentity 持久化的设备身份文档（时间为毫秒时间戳）
type DeviceIdentity struct {
	DeviceID  string  `json:"deviceId" yaml:"deviceId"`
	ClientID  string  `json:"clientId" yaml:"clientId"`
	MachineID string  `json:"machineId" yaml:"machineId"`
	SessionID string  `json:"sessionId" yaml:"sessionId"`
	Browser   Browser `json:"browser" yaml:"browser"`
	Screen    Screen  `json:"screen" yaml:"screen"`
	Timezone  string  `json:"timezone" yaml:"timezone"`
	Language  string  `json:"language" yaml:"language"`
	Platform  string  `json:"platform" yaml:"platform"`
	CreatedAt int64   `json:"createdAt" yaml:"createdAt"`
	LastUsed  int64   `json:"lastUsed" yaml:"lastUsed"`
}

// Validate 检查字段完整性；不完整的文档按损坏处理
func (d DeviceIdentity) Validate() error {
	var missing []string
	if d.DeviceID == "" {
		missing = append(missing, "deviceId")
	}
	if d.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if d.MachineID == "" {
		missing = append(missing, "machineId")
	}
	if d.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if d.Browser.Name == "" || d.Browser.Version == "" {
		missing = append(missing, "browser")
	}
	if d.Screen.Width <= 0 || d.Screen.Height <= 0 {
		missing = append(missing, "screen")
	}
	if d.Platform == "" {
		missing = append(missing, "platform")
	}
	if d.CreatedAt <= 0 {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.CodeValidation,
			"device identity incomplete: "+strings.Join(missing, ","),
			"identity will be regenerated")
	}
	return nil
}

const (
	PlatformWindows = "Win32"
	PlatformMac     = "MacIntel"
	PlatformLinux   = "Linux x86_64"

	defaultTimezone = "America/New_York"
	defaultLanguage = "en-US"
)

type browserSpec struct {
	name   string
	lo, hi int // 主版本范围
}

var browsers = []browserSpec{
	{"Chrome", 120, 130},
	{"Firefox", 120, 125},
	{"Safari", 17, 18},
	{"Edge", 120, 130},
}

var resolutions = []Screen{
	{1920, 1080, 24},
	{1366, 768, 24},
	{1536, 864, 24},
	{2560, 1440, 24},
	{1440, 900, 24},
}

var platforms = []string{PlatformWindows, PlatformMac, PlatformLinux}

// generator 生成内部一致的身份字段
type generator struct {
	rnd *jitter.Source
	now func() time.Time
}

func (g generator) generate() DeviceIdentity {
	now := g.now().UnixMilli()
	b := browsers[g.rnd.Pick(len(browsers))]
	platform := platforms[g.rnd.Pick(len(platforms))]
	if b.name == "Safari" {
		platform = PlatformMac
	}
	return DeviceIdentity{
		DeviceID:  randomHex(16),
		ClientID:  randomHex(16),
		MachineID: uuid.NewString(),
		SessionID: g.sessionID(),
		Browser: Browser{
			Name:    b.name,
			Version: fmt.Sprintf("%d.%d.%d", g.rnd.IntBetween(b.lo, b.hi), g.rnd.IntBetween(0, 9), g.rnd.IntBetween(0, 99)),
		},
		Screen:    resolutions[g.rnd.Pick(len(resolutions))],
		Timezone:  localTimezone(),
		Language:  defaultLanguage,
		Platform:  platform,
		CreatedAt: now,
		LastUsed:  now,
	}
}

func (g generator) sessionID() string {
	return fmt.Sprintf("%d-%s", g.now().UnixMilli(), randomHex(8))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 在受支持平台上不会失败
		panic(err)
	}
	return hex.EncodeToString(b)
}

// localTimezone 解析本机 IANA 时区名，失败时回退 America/New_York
func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if target, err := filepath.EvalSymlinks("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			return target[i+len("zoneinfo/"):]
		}
	}
	return defaultTimezone
}
