package feed

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes exponential retry delays with up to 50% jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &backoff{base: base, max: maxDelay}
}

func (b *backoff) next() time.Duration {
	jitter := rand.Float64() * float64(b.base) * 0.5
	delay := math.Min(float64(b.base)*math.Pow(2, float64(b.attempt))+jitter, float64(b.max))
	b.attempt++
	return time.Duration(delay)
}

func (b *backoff) reset() {
	b.attempt = 0
}
