package clock

import (
	"sync"
	"time"
)

// FakeClock 测试用确定性时钟：只有调用 Advance 时时间才前进。
//
// Advance 按截止时间顺序逐个触发定时器，并把当前时间设置为该定时器的截止时间，
// 因此回调中重新注册的定时器以触发时刻为基准。AfterFunc 回调在调用 Advance 的
// goroutine 中同步执行，回调内不要再调用 Advance。
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

var _ Clock = (*FakeClock)(nil)

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	done     bool
}

// Fake 以 initial 为起点创建 FakeClock
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *FakeClock) Until(t time.Time) time.Duration { return t.Sub(c.Now()) }

func (c *FakeClock) After(d time.Duration) <-chan time.Time { return c.NewTimer(d).Chan() }

func (c *FakeClock) Sleep(d time.Duration) { <-c.After(d) }

func (c *FakeClock) NewTimer(d time.Duration) Timer {
	ch := make(chan time.Time, 1)
	t := &fakeTimer{clock: c, channel: ch}
	t.waiter = c.add(d, ch, nil)
	return t
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{clock: c, callback: f}
	t.waiter = c.add(d, nil, f)
	return t
}

// NewTicker 每个周期触发一次；接收方来不及读取时丢弃该次触发
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	t := &fakeTicker{clock: c, channel: make(chan time.Time, 1), period: d}
	t.arm()
	return t
}

func (c *FakeClock) add(d time.Duration, ch chan time.Time, f func()) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{deadline: c.current.Add(d), channel: ch, callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return w
}

func (c *FakeClock) stop(w *fakeWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == nil || w.done {
		return false
	}
	w.done = true
	c.removeLocked(w)
	return true
}

func (c *FakeClock) removeLocked(w *fakeWaiter) {
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance 推进时间 d，依次触发所有到期的定时器
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeWaiter
		for _, w := range c.waiters {
			if w.deadline.After(target) {
				continue
			}
			if next == nil || w.deadline.Before(next.deadline) {
				next = w
			}
		}
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		next.done = true
		c.removeLocked(next)
		now := c.current
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
		} else {
			select {
			case next.channel <- now:
			default:
			}
		}
	}
}

// Pending 当前未触发的定时器数量
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers 阻塞直到至少有 n 个未触发的定时器。
// 用于消除“goroutine 注册定时器”与“测试推进时间”之间的竞争。
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

type fakeTimer struct {
	clock    *FakeClock
	channel  chan time.Time
	callback func()

	mu     sync.Mutex
	waiter *fakeWaiter
}

func (t *fakeTimer) Chan() <-chan time.Time {
	if t.channel == nil {
		return nil
	}
	return t.channel
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	w := t.waiter
	t.mu.Unlock()
	return t.clock.stop(w)
}

// Reset 重新以当前时间为基准计时；返回值与 time.Timer.Reset 一致
func (t *fakeTimer) Reset(d time.Duration) bool {
	active := t.Stop()
	w := t.clock.add(d, t.channel, t.callback)
	t.mu.Lock()
	t.waiter = w
	t.mu.Unlock()
	return active
}

type fakeTicker struct {
	clock   *FakeClock
	channel chan time.Time
	period  time.Duration

	mu      sync.Mutex
	waiter  *fakeWaiter
	stopped bool
}

func (t *fakeTicker) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.waiter = t.clock.add(t.period, nil, t.tick)
}

func (t *fakeTicker) tick() {
	select {
	case t.channel <- t.clock.Now():
	default:
	}
	t.arm()
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.channel }

func (t *fakeTicker) Reset(d time.Duration) {
	t.Stop()
	t.mu.Lock()
	t.period = d
	t.stopped = false
	t.mu.Unlock()
	t.arm()
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	w := t.waiter
	t.stopped = true
	t.waiter = nil
	t.mu.Unlock()
	t.clock.stop(w)
}
