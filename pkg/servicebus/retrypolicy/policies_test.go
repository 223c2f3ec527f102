package retrypolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = time.Sleep })
	return &slept
}

func TestBackoff(t *testing.T) {
	slept := recordSleeps(t)
	policy := Backoff(time.Second)

	for retryCount := 1; retryCount <= 3; retryCount++ {
		_ = policy(retryCount, func() error { return nil })
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *slept)
}

func TestSimple(t *testing.T) {
	slept := recordSleeps(t)
	failure := errors.New("still failing")

	err := Simple(time.Second)(4, func() error { return failure })

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestImmediate(t *testing.T) {
	slept := recordSleeps(t)
	calls := 0

	err := Immediate()(1, func() error { calls++; return nil })

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestExponential(t *testing.T) {
	slept := recordSleeps(t)
	policy := Exponential(100*time.Millisecond, time.Second)

	for retryCount := 1; retryCount <= 6; retryCount++ {
		_ = policy(retryCount, func() error { return nil })
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, *slept)
}
