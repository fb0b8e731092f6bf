package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is exponential backoff with proportional jitter:
// min(Base*2^(attempt-1), Max) * (1 + U[0, MaxJitter)).
type Backoff struct {
	Base      time.Duration // e.g. 5s
	Max       time.Duration // e.g. 5m
	MaxJitter float64       // e.g. 0.3

	// Rand returns a value in [0,1). Nil uses a shared math/rand source.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:      5 * time.Second,
		Max:       5 * time.Minute,
		MaxJitter: 0.3,
	}
}

// Delay returns the wait before the given 1-based attempt is retried.
// The result never exceeds Max*(1+MaxJitter).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}

	delay := b.Max
	// shifting past 2^30 would overflow before the cap kicks in
	if attempt <= 31 {
		if d := b.Base << (attempt - 1); d > 0 && d < b.Max {
			delay = d
		}
	}

	if b.MaxJitter > 0 {
		r := b.rand()
		if r < 0 {
			r = 0
		}
		if r >= 1 {
			r = 0.999999
		}
		delay = time.Duration(float64(delay) * (1 + r*b.MaxJitter))
	}
	return delay
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func (b Backoff) rand() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()
}
