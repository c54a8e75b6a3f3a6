package providers

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// breaker isolates a failing provider. State is in-memory only; a restart
// starts every provider closed.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
	// extended marks that a half-open probe already failed once, so the
	// next half-open failure does not extend the cooldown again.
	extended bool
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: now, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning open circuits to
// half-open when the cooldown has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		wait := b.cooldown
		if b.extended {
			wait = 2 * b.cooldown
		}
		if b.now().Sub(b.openedAt) >= wait {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.extended = false
}

// OnFailure records a failure and returns the consecutive count.
func (b *breaker) OnFailure() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		// The probe failed: reopen, extending the cooldown once.
		if !b.extended {
			b.extended = true
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
	return b.failures
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed, for operator resets.
func (b *breaker) Reset() {
	b.OnSuccess()
}
