package coordinator

import (
	"math/rand/v2"
	"time"
)

// defaultJitter is a tenth of the interval, capped at maxJitter
func defaultJitter(interval time.Duration) time.Duration {
	return min(interval/10, maxJitter)
}

// nextInterval returns interval shifted by a random offset in [-jitter, jitter)
func nextInterval(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	if d := interval + offset; d > 0 {
		return d
	}
	return interval
}
