package queue

import (
	"math"
	"math/rand"
	"time"
)

const maxBackoff = time.Hour

// backoffDelay computes the exponential-with-full-jitter retry delay for
// the given error kind and 1-based retry attempt number:
// delay = seed * 2^(retryCount-1) * U(0.5, 1.0), capped at maxBackoff.
func backoffDelay(kind ErrorKind, retryCount int) time.Duration {
	seed := kind.backoffSeed()
	if retryCount < 1 {
		retryCount = 1
	}
	factor := math.Pow(2, float64(retryCount-1))
	jitter := 0.5 + rand.Float64()*0.5
	delay := time.Duration(float64(seed) * factor * jitter)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
