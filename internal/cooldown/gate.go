// ABOUTME: Cool-down gate throttling diagnostics per physical device target
// ABOUTME: Keyed by (address, port) so concurrent operators cannot flood one device

package cooldown

import (
	"fmt"
	"sync"
	"time"
)

// pruneHighWater is the map size above which Record prunes stale entries.
// The table is bounded by the number of distinct targets, which is small,
// so opportunistic pruning is enough.
const pruneHighWater = 1024

// Gate enforces a minimum interval between diagnostics aimed at the same
// (address, port) pair, regardless of which agent or operator issues them.
// This protects the physical device; the rate limiter protects the gateway.
type Gate struct {
	mu        sync.Mutex
	last      map[string]time.Time
	threshold time.Duration
}

// New creates a gate with the given cool-down threshold.
func New(threshold time.Duration) *Gate {
	return &Gate{
		last:      make(map[string]time.Time),
		threshold: threshold,
	}
}

// Check reports whether a diagnostic to the target is currently allowed.
// When denied, retryAfterSeconds is the remaining wait rounded up to whole
// seconds, never zero.
func (g *Gate) Check(address string, port int) (allowed bool, retryAfterSeconds int) {
	key := targetKey(address, port)

	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.last[key]
	if !ok {
		return true, 0
	}

	elapsed := time.Since(last)
	if elapsed >= g.threshold {
		return true, 0
	}

	remaining := g.threshold - elapsed
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return false, secs
}

// Record stamps the target with the current time. Callers must record
// immediately before dispatch, not after completion, so two nearly
// simultaneous requests cannot both pass Check before either records.
func (g *Gate) Record(address string, port int) {
	key := targetKey(address, port)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.last) >= pruneHighWater {
		g.pruneLocked(now)
	}
	g.last[key] = now
}

// pruneLocked discards entries older than twice the threshold. Must be
// called with mu held.
func (g *Gate) pruneLocked(now time.Time) {
	cutoff := now.Add(-2 * g.threshold)
	for key, stamp := range g.last {
		if stamp.Before(cutoff) {
			delete(g.last, key)
		}
	}
}

// Len returns the number of tracked targets. Used for observability and tests.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

func targetKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}
