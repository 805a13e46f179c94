package dispatch

import "time"

// limiter tracks the delivery budget of one destination over fixed
// windows. Not safe for concurrent use; Queue serializes access.
type limiter struct {
	ratePerWindow int
	burstCeiling  int
	window        time.Duration

	windowStart time.Time
	steadyUsed  int
	burstUsed   int
}

func newLimiter(ratePerWindow, burstCeiling int, window time.Duration, now time.Time) *limiter {
	return &limiter{
		ratePerWindow: ratePerWindow,
		burstCeiling:  burstCeiling,
		window:        window,
		windowStart:   now,
	}
}

// roll advances the window boundary when now has moved past it. The
// steady budget resets fully each window; burst usage decays by half per
// elapsed window rather than resetting.
func (l *limiter) roll(now time.Time) {
	if l.window <= 0 {
		return
	}
	elapsed := now.Sub(l.windowStart)
	if elapsed < l.window {
		return
	}
	k := int(elapsed / l.window)
	l.windowStart = l.windowStart.Add(time.Duration(k) * l.window)
	l.steadyUsed = 0
	for i := 0; i < k && l.burstUsed > 0; i++ {
		l.burstUsed /= 2
	}
}

// available reports how many of queued tasks may be sent right now.
func (l *limiter) available(now time.Time, queued int) int {
	l.roll(now)
	n := queued
	if r := l.ratePerWindow - l.steadyUsed; r < n {
		n = r
	}
	if b := l.burstCeiling - l.burstUsed; b < n {
		n = b
	}
	if n < 0 {
		return 0
	}
	return n
}

// consume records n sends against both budgets.
func (l *limiter) consume(n int) {
	l.steadyUsed += n
	l.burstUsed += n
	if l.burstUsed > l.burstCeiling {
		l.burstUsed = l.burstCeiling
	}
}
