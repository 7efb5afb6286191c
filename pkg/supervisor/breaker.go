package supervisor

import (
	"sync"
	"time"
)

// breaker gates worker restarts: after maxFailures crashes inside window,
// restarts pause for cooldown.
type breaker struct {
	mu          sync.Mutex
	failures    []time.Time
	maxFailures int
	window      time.Duration
	cooldown    time.Duration
	resetTime   time.Time
}

func newBreaker(maxFailures int, window, cooldown time.Duration) *breaker {
	return &breaker{
		maxFailures: maxFailures,
		window:      window,
		cooldown:    cooldown,
	}
}

// open reports whether restarts are currently suspended.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.resetTime)
}

// fail records one crash and trips the breaker when the window fills.
func (b *breaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.maxFailures {
		b.resetTime = now.Add(b.cooldown)
		b.failures = b.failures[:0]
	}
}
