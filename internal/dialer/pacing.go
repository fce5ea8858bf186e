package dialer

import (
	"math"
	"time"
)

const (
	lowAnswerRate  = 0.3
	highAnswerRate = 0.7

	// DefaultMaxBackoff caps the per-contact retry delay.
	DefaultMaxBackoff = time.Hour
)

// AnswerRate is answered/(answered+failed), or 0 with no finished calls.
func AnswerRate(answered, failed int) float64 {
	total := answered + failed
	if total <= 0 {
		return 0
	}
	return float64(answered) / float64(total)
}

// Multiplier adjusts the campaign's base multiplier from the current window
// only. A poor answer rate dials harder up to max; a good one backs off but
// never below one call per free channel.
func Multiplier(answered, failed int, base, max float64) float64 {
	rate := AnswerRate(answered, failed)
	switch {
	case rate < lowAnswerRate:
		return math.Min(base*1.5, max)
	case rate > highAnswerRate:
		return math.Max(base*0.8, 1)
	default:
		return base
	}
}

// CallsToMake is floor((maxChannels-active) × multiplier), capped at
// maxChannels. It is zero when the campaign has no free channel.
func CallsToMake(maxChannels, active int, multiplier float64) int {
	free := maxChannels - active
	if free <= 0 || multiplier <= 0 {
		return 0
	}
	n := int(math.Floor(float64(free) * multiplier))
	if n > maxChannels {
		n = maxChannels
	}
	return n
}

// RetryDelay is base × 2^(attempts-1), capped at ceiling (DefaultMaxBackoff
// when ceiling is not positive).
func RetryDelay(base time.Duration, attempts int, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		ceiling = DefaultMaxBackoff
	}
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= ceiling {
			break
		}
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
