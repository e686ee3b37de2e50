package provider

import (
	"math/rand"
	"time"
)

// Backoff computes exponential delays with symmetric jitter. Max caps the
// result after jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		factor := 1 + b.Jitter*(2*r()-1)
		d = time.Duration(float64(d) * factor)
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}
