package dispatch

import (
	"testing"
	"time"
)

func TestLimiterCapsFirstWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	if got := lim.available(now, 25); got != 12 {
		t.Fatalf("available = %d, want 12", got)
	}
	lim.consume(12)
	if got := lim.available(now, 13); got != 0 {
		t.Fatalf("available after consuming budget = %d, want 0", got)
	}
}

func TestLimiterBurstDecaysByHalf(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	// Window 1: full steady budget.
	if got := lim.available(now, 100); got != 12 {
		t.Fatalf("window 1 available = %d, want 12", got)
	}
	lim.consume(12)

	// Window 2: steady resets, burst usage halves to 6.
	now = now.Add(time.Second)
	if got := lim.available(now, 100); got != 12 {
		t.Fatalf("window 2 available = %d, want 12", got)
	}
	lim.consume(12)

	// Window 3: burst usage is 18/2 = 9, ceiling 20 leaves 11.
	now = now.Add(time.Second)
	if got := lim.available(now, 100); got != 11 {
		t.Fatalf("window 3 available = %d, want 11", got)
	}
	lim.consume(11)

	// Window 4: burst usage is 20/2 = 10.
	now = now.Add(time.Second)
	if got := lim.available(now, 100); got != 10 {
		t.Fatalf("window 4 available = %d, want 10", got)
	}
}

func TestLimiterMultiWindowGap(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	lim.consume(12)
	now = now.Add(time.Second)
	lim.available(now, 100)
	lim.consume(12)

	// Three idle windows halve burst usage three times: 18 -> 9 -> 4 -> 2.
	now = now.Add(3 * time.Second)
	if got := lim.available(now, 100); got != 12 {
		t.Fatalf("available after gap = %d, want 12", got)
	}
	if lim.burstUsed != 2 {
		t.Fatalf("burstUsed after gap = %d, want 2", lim.burstUsed)
	}
}

func TestLimiterQueuedBound(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	if got := lim.available(now, 3); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}
	if got := lim.available(now, 0); got != 0 {
		t.Fatalf("available with empty queue = %d, want 0", got)
	}
}

func TestLimiterConsumeClampsAtCeiling(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	lim.consume(30)
	if lim.burstUsed != 20 {
		t.Fatalf("burstUsed = %d, want 20", lim.burstUsed)
	}
	if got := lim.available(now, 5); got != 0 {
		t.Fatalf("available = %d, want 0", got)
	}
}

func TestLimiterMidWindowNoReset(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	lim := newLimiter(12, 20, time.Second, now)

	lim.consume(12)
	now = now.Add(999 * time.Millisecond)
	if got := lim.available(now, 5); got != 0 {
		t.Fatalf("available mid-window = %d, want 0", got)
	}
	now = now.Add(time.Millisecond)
	if got := lim.available(now, 5); got != 5 {
		t.Fatalf("available at rollover = %d, want 5", got)
	}
}
