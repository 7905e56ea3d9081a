package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second}
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 8*time.Second, cfg.Delay(4))

	assert.Equal(t, time.Duration(math.MaxInt64), cfg.Delay(200), "不封顶时饱和而不是溢出")

	cfg.MaxDelay = 5 * time.Second
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 5*time.Second, cfg.Delay(4))
	assert.Equal(t, 5*time.Second, cfg.Delay(200))
}

func TestDo_PermanentFailure(t *testing.T) {
	c := clock.Fake(t0)
	r := New(Config{MaxAttempts: 3, InitialDelay: time.Second}, WithClock(c))

	var attempts atomic.Int32
	var stamps []time.Time
	errs := make([]error, 0, 3)
	fn := func(context.Context) error {
		n := attempts.Add(1)
		stamps = append(stamps, c.Now())
		err := fmt.Errorf("connection refused #%d", n)
		errs = append(errs, err)
		return err
	}

	done := make(chan error, 1)
	go func() { done <- r.Do(context.Background(), fn) }()

	c.WaitForTimers(1)
	c.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	c.Advance(time.Millisecond)

	c.WaitForTimers(1)
	c.Advance(2 * time.Second)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Same(t, errs[2], err, "原样返回最后一次错误")
	require.Len(t, stamps, 3)
	assert.Equal(t, time.Second, stamps[1].Sub(stamps[0]))
	assert.Equal(t, 2*time.Second, stamps[2].Sub(stamps[1]))
	assert.Zero(t, c.Pending())

	st := r.Stats()
	assert.Equal(t, Stats{Calls: 1, Attempts: 3, Exhausted: 1}, st)
}

func TestDo_SucceedsAfterFailure(t *testing.T) {
	c := clock.Fake(t0)
	r := New(Config{}, WithClock(c))

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			if attempts.Add(1) < 2 {
				return errors.New("timeout")
			}
			return nil
		})
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDo_NonRetryable(t *testing.T) {
	r := New(Config{MaxAttempts: 5}, WithClock(clock.Fake(t0)))

	blocked := apperr.New(apperr.CodeSessionBlocked, "checkpoint", "verify manually")
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return blocked
	})
	assert.Same(t, blocked, err)
	assert.Equal(t, 1, attempts)

	base := errors.New("bad request")
	attempts = 0
	err = r.Do(context.Background(), func(context.Context) error {
		attempts++
		return backoff.Permanent(base)
	})
	assert.Same(t, base, err, "Permanent 包装被剥离")
	assert.Equal(t, 1, attempts)
}

func TestDo_CustomRetryable(t *testing.T) {
	r := New(Config{MaxAttempts: 5}, WithClock(clock.Fake(t0)), WithRetryable(func(error) bool { return false }))
	var attempts int
	_ = r.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("x")
	})
	assert.Equal(t, 1, attempts)
}

func TestDo_CanceledDuringBackoff(t *testing.T) {
	c := clock.Fake(t0)
	r := New(Config{}, WithClock(c))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error { return errors.New("reset by peer") })
	}()
	c.WaitForTimers(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestDoValue(t *testing.T) {
	r := New(Config{})
	v, err := DoValue(context.Background(), r, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoValue_KeepsLastValueOnFailure(t *testing.T) {
	c := clock.Fake(t0)
	r := New(Config{MaxAttempts: 2, InitialDelay: time.Second}, WithClock(c))

	var n int
	done := make(chan struct{})
	var (
		v   string
		err error
	)
	go func() {
		defer close(done)
		v, err = DoValue(context.Background(), r, func(context.Context) (string, error) {
			n++
			return fmt.Sprintf("page-%d", n), errors.New("status 503")
		})
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	<-done

	require.Error(t, err)
	assert.Equal(t, "page-2", v)
	assert.Equal(t, Stats{Calls: 1, Attempts: 2, Exhausted: 1}, r.Stats())
}

func TestDoValue_PermanentKeepsValue(t *testing.T) {
	r := New(Config{MaxAttempts: 3}, WithClock(clock.Fake(t0)))
	base := errors.New("forbidden")

	v, err := DoValue(context.Background(), r, func(context.Context) (int, error) {
		return 403, backoff.Permanent(base)
	})
	assert.Same(t, base, err)
	assert.Equal(t, 403, v)
	assert.Equal(t, Stats{Calls: 1, Attempts: 1}, r.Stats())
}

func TestDo_ClockworkFakeClock(t *testing.T) {
	c := clockwork.NewFakeClockAt(t0)
	r := New(Config{MaxAttempts: 2, InitialDelay: time.Second}, WithClock(c))

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			if attempts.Add(1) == 1 {
				return errors.New("timeout")
			}
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.BlockUntilContext(ctx, 1))
	c.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), attempts.Load())
}
