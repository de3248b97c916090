// ABOUTME: Tests for the per-target cool-down gate
// ABOUTME: Covers denial windows, rounded retry-after, and target isolation

package cooldown

import (
	"testing"
	"time"
)

func TestCheckAllowsFirstRequest(t *testing.T) {
	g := New(time.Minute)

	allowed, retryAfter := g.Check("10.0.0.5", 502)
	if !allowed {
		t.Fatal("first request should be allowed")
	}
	if retryAfter != 0 {
		t.Errorf("expected no retry-after, got %d", retryAfter)
	}
}

func TestCheckDeniesWithinThreshold(t *testing.T) {
	g := New(time.Minute)

	g.Record("10.0.0.5", 502)

	allowed, retryAfter := g.Check("10.0.0.5", 502)
	if allowed {
		t.Fatal("request within threshold should be denied")
	}
	if retryAfter < 59 || retryAfter > 60 {
		t.Errorf("expected retry-after around 60s, got %d", retryAfter)
	}
}

func TestCheckAllowsAfterThreshold(t *testing.T) {
	g := New(30 * time.Millisecond)

	g.Record("10.0.0.5", 502)
	time.Sleep(40 * time.Millisecond)

	allowed, _ := g.Check("10.0.0.5", 502)
	if !allowed {
		t.Fatal("request after threshold should be allowed")
	}
}

func TestTargetsAreIndependent(t *testing.T) {
	g := New(time.Minute)

	g.Record("10.0.0.5", 502)

	// Same host, different port is a different physical target
	if allowed, _ := g.Check("10.0.0.5", 503); !allowed {
		t.Error("different port should not share a cool-down")
	}
	if allowed, _ := g.Check("10.0.0.6", 502); !allowed {
		t.Error("different address should not share a cool-down")
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	g := New(1500 * time.Millisecond)

	g.Record("10.0.0.5", 502)

	allowed, retryAfter := g.Check("10.0.0.5", 502)
	if allowed {
		t.Fatal("request should be denied")
	}
	// 1.5s remaining rounds up to 2 whole seconds
	if retryAfter != 2 {
		t.Errorf("expected retry-after 2, got %d", retryAfter)
	}
}

func TestRecordPrunesStaleEntries(t *testing.T) {
	g := New(5 * time.Millisecond)

	for i := 0; i < pruneHighWater; i++ {
		g.Record("10.0.0.5", 1000+i)
	}
	time.Sleep(15 * time.Millisecond)

	// The next record prunes everything older than twice the threshold
	g.Record("10.0.0.99", 502)
	if got := g.Len(); got != 1 {
		t.Errorf("expected stale entries pruned down to 1, got %d", got)
	}
}
