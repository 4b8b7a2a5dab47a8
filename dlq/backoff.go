package dlq

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxDelay leaves room for jitter without overflowing time.Duration.
const maxDelay = time.Duration(math.MaxInt64 / 4)

// Backoff computes retry delays as 2^n*Base plus up to Jitter of noise.
// Delays stay strictly increasing in n while Jitter <= Base.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	Rand   func() float64
}

func NewBackoff(base, jitter time.Duration) Backoff {
	return Backoff{Base: base, Jitter: jitter, Rand: rand.Float64}
}

// Delay returns the wait before attempt n+1, where n is the number of
// attempts already made. A freshly parked row uses n = 0 and waits Base.
func (b Backoff) Delay(n int) time.Duration {
	delay := b.Base
	if delay <= 0 {
		delay = time.Minute
	}
	for i := 0; i < n; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if b.Jitter > 0 {
		random := b.Rand
		if random == nil {
			random = rand.Float64
		}
		delay += time.Duration(random() * float64(b.Jitter))
	}
	return delay
}

// FirstRetry is the delay handed to the inbound pipeline for newly parked
// rows.
func (b Backoff) FirstRetry(int) time.Duration {
	return b.Delay(0)
}
