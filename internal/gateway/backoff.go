package gateway

import (
	"math/rand"
	"time"
)

// backoffDelay computes the reconnect delay for the given 1-based attempt:
// base doubled per prior failure, stretched by up to 10% jitter, capped at
// max. The doubling dominates the jitter, so consecutive delays never
// decrease until they hit the cap.
func backoffDelay(attempt int, base, max time.Duration, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	d = time.Duration(float64(d) * (1 + jitter()*0.1))
	if d > max {
		return max
	}
	return d
}

func defaultJitter() float64 { return rand.Float64() }
