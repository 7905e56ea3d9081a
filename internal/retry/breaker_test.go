package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

func TestBreaker_Transitions(t *testing.T) {
	c := clock.Fake(t0)
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: 30 * time.Second, HalfOpenMax: 2}, c)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("502") }
	ok := func(context.Context) error { return nil }

	assert.Equal(t, StateClosed, b.State())
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Call(ctx, ok)
	assert.ErrorIs(t, err, apperr.ErrCircuitOpen)

	c.Advance(30 * time.Second)
	assert.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	st := b.Stats()
	assert.Equal(t, int64(1), st.TripCount)
	assert.Equal(t, int64(1), st.Rejected)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := clock.Fake(t0)
	b := NewBreaker(BreakerConfig{Threshold: 2, Cooldown: 10 * time.Second}, c)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("timeout") }

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	c.Advance(10 * time.Second)
	_ = b.Call(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(2), b.Stats().TripCount)
}

func TestBreaker_IgnoresCancellationAndFatal(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1}, clock.Fake(t0))
	ctx := context.Background()
	_ = b.Call(ctx, func(context.Context) error { return context.Canceled })
	_ = b.Call(ctx, func(context.Context) error { return apperr.ErrSessionBlocked })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 2}, clock.Fake(t0))
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("x") }
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, func(context.Context) error { return nil })
	_ = b.Call(ctx, fail)
	assert.Equal(t, StateClosed, b.State())

	b.Reset()
	assert.Zero(t, b.Stats().Failures)
}
