package worklog

import (
	"math/rand/v2"
	"time"
)

// DefaultBackoff is 1s doubling per retry, capped at 60s, with ±10% jitter.
var DefaultBackoff = Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.1}

// Backoff computes retry delays.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number retry+1. The result never
// exceeds Cap.
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Base
	for i := 0; i < retry && (b.Cap <= 0 || d < b.Cap); i++ {
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
