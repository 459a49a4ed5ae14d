package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDownstream = errors.New("downstream failed")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	return NewCircuitBreaker(Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             10 * time.Second,
		HalfOpenMaxRequests: 1,
	}).WithClock(func() time.Time { return *now })
}

func fail() error { return errDownstream }
func ok() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errDownstream)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	// 成功一次会清零失败计数
	assert.NoError(t, cb.Execute(ok))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errDownstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}).WithClock(func() time.Time { return now })

	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(10 * time.Second)
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	now = now.Add(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(fail), errDownstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_CanceledContextIsNotAFailure(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	for i := 0; i < 5; i++ {
		err := cb.ExecuteContext(context.Background(), func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(ok))
}
