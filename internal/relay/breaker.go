package relay

import (
	"sync"
	"time"
)

type breakerState int

const (
	closed breakerState = iota
	halfOpen
	open
)

func (s breakerState) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker stops the relay from hammering a broker that keeps failing.
// After failThreshold consecutive publish failures it opens for openFor,
// then lets a single probe publish through.
type Breaker struct {
	mu            sync.Mutex
	st            breakerState
	fails         int
	failThreshold int
	openFor       time.Duration
	retryAt       time.Time
	probing       bool
	now           func() time.Time

	// OnStateChange, when set, is called outside the lock after every
	// state change.
	OnStateChange func(from, to string, level float64)
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

// TryAcquire reports whether a publish may be attempted now. Once the open
// window has passed, exactly one caller gets the half-open probe.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	if b.st == closed {
		b.mu.Unlock()
		return true
	}
	if b.probing || b.now().Before(b.retryAt) {
		b.mu.Unlock()
		return false
	}
	b.probing = true
	from := b.set(halfOpen)
	b.mu.Unlock()

	b.notify(from, halfOpen)
	return true
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	b.fails = 0
	b.probing = false
	from := b.set(closed)
	b.mu.Unlock()

	b.notify(from, closed)
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	b.fails++
	trip := b.st == halfOpen || b.fails >= b.failThreshold
	b.probing = false
	from := b.st
	if trip {
		b.retryAt = b.now().Add(b.openFor)
		from = b.set(open)
	}
	b.mu.Unlock()

	if trip {
		b.notify(from, open)
	}
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

// set must hold mu; it returns the previous state.
func (b *Breaker) set(to breakerState) breakerState {
	from := b.st
	b.st = to
	return from
}

func (b *Breaker) notify(from, to breakerState) {
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(from.String(), to.String(), float64(to))
	}
}
