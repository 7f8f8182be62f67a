package frameobs

import "time"

type limiterState int

const (
	stateIdle limiterState = iota
	statePending
)

func (s limiterState) String() string {
	if s == statePending {
		return "pending"
	}
	return "idle"
}

// limiter is the debounce + minimum-interval pair as an explicit two-state
// machine. It holds no timers: callers feed it the current time and arm a
// single timer at the deadline it returns, which keeps it deterministic.
type limiter struct {
	debounce time.Duration
	interval time.Duration
	// trailing re-arms a suppressed or failed firing instead of dropping it.
	trailing bool

	state limiterState
	last  time.Time // last successful invocation
}

func newLimiter(debounce, interval time.Duration, trailing bool) *limiter {
	return &limiter{debounce: debounce, interval: interval, trailing: trailing}
}

// mutation records a change at now and returns the new firing deadline.
// Every call pushes the deadline out again.
func (l *limiter) mutation(now time.Time) time.Time {
	l.state = statePending
	return now.Add(l.debounce)
}

// expire is called when the armed deadline passes. fire reports whether the
// callback may run now. When it may not and trailing mode is on, retryAt is
// the time at which the interval will have elapsed; otherwise the firing is
// dropped and retryAt is zero.
func (l *limiter) expire(now time.Time) (fire bool, retryAt time.Time) {
	if l.state != statePending {
		return false, time.Time{}
	}
	if l.last.IsZero() || now.Sub(l.last) >= l.interval {
		l.state = stateIdle
		return true, time.Time{}
	}
	if l.trailing {
		return false, l.last.Add(l.interval)
	}
	l.state = stateIdle
	return false, time.Time{}
}

// succeeded stamps a successful invocation that started at at.
func (l *limiter) succeeded(at time.Time) {
	l.last = at
}

// failed handles an invocation that could not complete. In trailing mode the
// change stays pending and is retried one interval later.
func (l *limiter) failed(now time.Time) (retryAt time.Time) {
	if !l.trailing {
		return time.Time{}
	}
	l.state = statePending
	wait := l.interval
	if wait < l.debounce {
		wait = l.debounce
	}
	return now.Add(wait)
}

// reset drops any pending firing.
func (l *limiter) reset() {
	l.state = stateIdle
}
