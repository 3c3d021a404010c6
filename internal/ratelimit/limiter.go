package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one recorded attempt.
type Decision struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

// Limiter is a sliding-window attempt limiter keyed by an arbitrary string
// (typically the client address). Check records the attempt and decides in a
// single critical section, so there is no check-then-record race window.
type Limiter struct {
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewLimiter(maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		attempts:    make(map[string][]time.Time),
	}
}

// Check prunes attempts older than the window, records this attempt if
// allowed, and reports how many attempts remain and when the window resets.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := pruneBefore(l.attempts[key], now.Add(-l.window))

	if len(recent) >= l.maxAttempts {
		l.attempts[key] = recent
		reset := recent[0].Add(l.window).Sub(now)
		return Decision{Allowed: false, Remaining: 0, ResetSeconds: ceilSeconds(reset)}
	}

	recent = append(recent, now)
	l.attempts[key] = recent
	return Decision{
		Allowed:      true,
		Remaining:    l.maxAttempts - len(recent),
		ResetSeconds: ceilSeconds(l.window),
	}
}

// Reset clears a key's history; called after a successful authentication.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// Sweep removes keys with no attempts inside the window, bounding memory over
// long uptimes. Invoked by the cleanup scheduler.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, ts := range l.attempts {
		recent := pruneBefore(ts, cutoff)
		if len(recent) == 0 {
			delete(l.attempts, key)
			removed++
			continue
		}
		l.attempts[key] = recent
	}
	return removed
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func ceilSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second > 0 {
		s++
	}
	if s < 0 {
		return 0
	}
	return s
}
