package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiplierLowAnswerRateDialsHarder(t *testing.T) {
	// 20 answered, 90 failed: answer rate ~0.18.
	m := Multiplier(20, 90, 1.2, 2.5)
	assert.InDelta(t, 1.8, m, 1e-9)
	assert.Equal(t, 10, CallsToMake(10, 4, m), "min(6*1.8, 10)")

	capped := Multiplier(20, 90, 1.5, 2.0)
	assert.InDelta(t, 2.0, capped, 1e-9)
	assert.Equal(t, 10, CallsToMake(10, 4, capped))

	assert.InDelta(t, 1.5, Multiplier(20, 90, 1.0, 3.0), 1e-9)
	assert.Equal(t, 9, CallsToMake(10, 4, 1.5))
}

func TestMultiplierHighAnswerRateBacksOff(t *testing.T) {
	assert.InDelta(t, 1.6, Multiplier(80, 20, 2.0, 3.0), 1e-9)
	assert.InDelta(t, 1.0, Multiplier(80, 20, 1.1, 3.0), 1e-9, "never below 1")
}

func TestMultiplierMiddleBandKeepsBase(t *testing.T) {
	assert.InDelta(t, 1.3, Multiplier(50, 50, 1.3, 3.0), 1e-9)
	assert.InDelta(t, 1.3, Multiplier(30, 70, 1.3, 3.0), 1e-9, "0.3 is not below 0.3")
	assert.InDelta(t, 1.3, Multiplier(70, 30, 1.3, 3.0), 1e-9, "0.7 is not above 0.7")
}

func TestAnswerRateWithNoCallsIsZero(t *testing.T) {
	assert.Zero(t, AnswerRate(0, 0))
	assert.InDelta(t, 1.5, Multiplier(0, 0, 1.0, 2.0), 1e-9)
}

func TestCallsToMakeWithoutFreeChannels(t *testing.T) {
	assert.Zero(t, CallsToMake(10, 10, 2))
	assert.Zero(t, CallsToMake(10, 12, 2))
	assert.Equal(t, 1, CallsToMake(10, 9, 1.9))
}

func TestRetryDelayIsExponentialAndCapped(t *testing.T) {
	base := 5 * time.Minute
	assert.Equal(t, base, RetryDelay(base, 1, 0))
	assert.Equal(t, 10*time.Minute, RetryDelay(base, 2, 0))
	assert.Equal(t, 20*time.Minute, RetryDelay(base, 3, 0))
	assert.Equal(t, 40*time.Minute, RetryDelay(base, 4, 0))
	assert.Equal(t, time.Hour, RetryDelay(base, 5, 0))
	assert.Equal(t, time.Hour, RetryDelay(base, 60, 0))
	assert.Equal(t, base, RetryDelay(base, 0, 0))
	assert.Equal(t, 15*time.Minute, RetryDelay(base, 3, 15*time.Minute))
}
