package coordinator

import (
	"math/rand/v2"
	"time"
)

// jitterFraction is the maximum relative offset applied to a sync interval
const jitterFraction = 0.1

// minInterval bounds how often a subject can be synced in the background
const minInterval = 10 * time.Millisecond

// jittered returns interval shifted by a random offset of up to ±10%
func jittered(interval time.Duration) time.Duration {
	spread := int64(float64(interval) * jitterFraction)
	if spread > 0 {
		//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
		interval += time.Duration(rand.Int64N(2*spread+1) - spread)
	}
	return max(interval, minInterval)
}
