package identity

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// UserAgent 由浏览器与平台推导出的 UA，保证与身份其它字段一致
func (d DeviceIdentity) UserAgent() string {
	v := d.Browser.Version
	switch d.Browser.Name {
	case "Firefox":
		return fmt.Sprintf("Mozilla/5.0 (%s; rv:%s.0) Gecko/20100101 Firefox/%s", d.osToken(), majorOf(v), v)
	case "Safari":
		return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15", v)
	case "Edge":
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36 Edg/%s", d.osToken(), v, v)
	default:
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", d.osToken(), v)
	}
}

func (d DeviceIdentity) osToken() string {
	switch d.Platform {
	case PlatformMac:
		return "Macintosh; Intel Mac OS X 10_15_7"
	case PlatformLinux:
		return "X11; Linux x86_64"
	default:
		return "Windows NT 10.0; Win64; x64"
	}
}

// PlatformName sec-ch-ua-platform 取值
func (d DeviceIdentity) PlatformName() string {
	switch {
	case strings.Contains(d.Platform, "Mac"):
		return "macOS"
	case strings.Contains(d.Platform, "Linux"):
		return "Linux"
	default:
		return "Windows"
	}
}

// Metadata 附加在每个出站动作上的请求头
func (d DeviceIdentity) Metadata() http.Header {
	h := http.Header{}
	h.Set("User-Agent", d.UserAgent())
	lang := d.Language
	if lang == "" {
		lang = defaultLanguage
	}
	h.Set("Accept-Language", lang+","+strings.SplitN(lang, "-", 2)[0]+";q=0.9")
	if ua := d.secChUa(); ua != "" {
		h.Set("sec-ch-ua", ua)
		h.Set("sec-ch-ua-mobile", "?0")
		h.Set("sec-ch-ua-platform", strconv.Quote(d.PlatformName()))
	}
	if d.Screen.Width > 0 {
		h.Set("Viewport-Width", strconv.Itoa(d.Screen.Width))
	}
	return h
}

// secChUa 仅 Chromium 系浏览器发送
func (d DeviceIdentity) secChUa() string {
	major := majorOf(d.Browser.Version)
	switch d.Browser.Name {
	case "Chrome":
		return fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not-A.Brand";v="99"`, major, major)
	case "Edge":
		return fmt.Sprintf(`"Chromium";v="%s", "Microsoft Edge";v="%s", "Not-A.Brand";v="99"`, major, major)
	}
	return ""
}

func majorOf(version string) string {
	major, _, _ := strings.Cut(version, ".")
	return major
}
