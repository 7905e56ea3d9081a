// Package clock 提供可注入的时间抽象。
//
// 所有限流等待、节奏延迟与实时通道的心跳/重连定时器都经由 Clock 调度：
// 生产环境使用 Real()，测试使用 Fake() 手动推进时间，无需真实 sleep。
// Clock 即 clockwork.Clock，因此 clockwork.FakeClock 同样可以注入。
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock 时间源与定时器工厂
type Clock = clockwork.Clock

// Timer 定时器句柄。AfterFunc 返回的 Timer.Chan() 为 nil
type Timer = clockwork.Timer

// Ticker 周期定时器句柄
type Ticker = clockwork.Ticker

// Sleep 在 ctx 取消前等待 d。取消时停止定时器并返回 ctx.Err()
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Real 返回基于标准库 time 的实现
func Real() Clock { return clockwork.NewRealClock() }
