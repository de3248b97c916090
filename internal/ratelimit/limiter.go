// ABOUTME: Fixed-window request counter keyed by caller identity and route
// ABOUTME: Sheds load from any single caller independent of business logic

package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	Remaining  int           // requests left in the current window
	RetryAfter time.Duration // time until the window resets, when denied
}

// window tracks one (caller, route) counter.
type window struct {
	count int
	start time.Time
}

// Limiter is a fixed-window rate limiter. Each route carries its own ceiling;
// counters are keyed by (caller key, route) so a noisy agent on one route
// never starves another. Window expiry resets the counter rather than sliding.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	ceilings map[string]int
	length   time.Duration
	done     chan struct{}
	closed   bool
}

// New creates a limiter with the given window length and per-route ceilings.
// A background sweep discards windows idle for more than twice the window
// length, bounding memory. Call Close to stop the sweeper.
func New(length time.Duration, ceilings map[string]int) *Limiter {
	l := &Limiter{
		windows:  make(map[string]*window),
		ceilings: ceilings,
		length:   length,
		done:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow records a request for (callerKey, route) and reports whether it may
// proceed. Routes with no configured ceiling are unlimited.
func (l *Limiter) Allow(callerKey, route string) Decision {
	ceiling, ok := l.ceilings[route]
	if !ok || ceiling <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt}
	}

	now := time.Now()
	key := callerKey + "\x00" + route

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.length {
		l.windows[key] = &window{count: 1, start: now}
		return Decision{Allowed: true, Remaining: ceiling - 1}
	}

	if w.count >= ceiling {
		retryAfter := l.length - now.Sub(w.start)
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	w.count++
	return Decision{Allowed: true, Remaining: ceiling - w.count}
}

// sweep runs in a background goroutine, discarding idle windows.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.length)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runSweep()
		case <-l.done:
			return
		}
	}
}

// runSweep removes windows idle for more than twice the window length.
func (l *Limiter) runSweep() {
	cutoff := time.Now().Add(-2 * l.length)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of live windows. Used for observability and tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Close stops the background sweeper. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
