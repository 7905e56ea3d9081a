// Package apperr 错误分类：每个致命错误带稳定的分类码、可读信息与处理建议。
package apperr

import (
	"errors"
	"fmt"
)

// Code 稳定的错误分类码
type Code string

const (
	CodeValidation        Code = "VALIDATION"         // 身份/配置格式错误
	CodeThrottleExhausted Code = "THROTTLE_EXHAUSTED" // 限流等待次数耗尽
	CodeSessionBlocked    Code = "SESSION_BLOCKED"    // 启动探测命中安全检查
	CodeTransport         Code = "TRANSPORT_ERROR"    // 重试耗尽后的网络错误
	CodeChannelFatal      Code = "CHANNEL_FATAL"      // 实时通道重连次数耗尽
	CodeBudgetExhausted   Code = "BUDGET_EXHAUSTED"   // 当日动作预算耗尽
	CodeAccountUnhealthy  Code = "ACCOUNT_UNHEALTHY"  // 近一小时检测次数过多
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"       // 出站熔断
)

// Error 分类错误
type Error struct {
	Code           Code   `json:"code"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
	Err            error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类码匹配，errors.Is(err, apperr.ErrThrottleExhausted) 即可判断
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// New 创建分类错误
func New(code Code, msg, recommendation string) *Error {
	return &Error{Code: code, Message: msg, Recommendation: recommendation}
}

// Wrap 包装底层错误
func Wrap(code Code, err error, msg, recommendation string) *Error {
	return &Error{Code: code, Message: msg, Recommendation: recommendation, Err: err}
}

// 仅含分类码的哨兵，用于 errors.Is
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrThrottleExhausted = &Error{Code: CodeThrottleExhausted}
	ErrSessionBlocked    = &Error{Code: CodeSessionBlocked}
	ErrTransport         = &Error{Code: CodeTransport}
	ErrChannelFatal      = &Error{Code: CodeChannelFatal}
	ErrBudgetExhausted   = &Error{Code: CodeBudgetExhausted}
	ErrAccountUnhealthy  = &Error{Code: CodeAccountUnhealthy}
	ErrCircuitOpen       = &Error{Code: CodeCircuitOpen}
)

// CodeOf 提取分类码，非分类错误返回空串
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal 是否属于必须上抛、不可继续的错误
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeSessionBlocked, CodeChannelFatal, CodeAccountUnhealthy:
		return true
	}
	return false
}
